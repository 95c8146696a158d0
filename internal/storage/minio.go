package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
)

// MinIOConfig configures the MinIO backend.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOStore is a DocumentStore backed by a MinIO server.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore creates the MinIO client. No request is made until first use.
func NewMinIOStore(cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// GetBuffer downloads an object fully into memory.
func (s *MinIOStore) GetBuffer(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err, key, "failed to get object")
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, s.mapError(err, key, "failed to read object")
	}
	return data, nil
}

// PutBuffer uploads data under key.
func (s *MinIOStore) PutBuffer(ctx context.Context, data []byte, key, mimeType string) (*PutResult, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return nil, errors.Dependency(err, "failed to put object")
	}
	return &PutResult{Key: key}, nil
}

// PresignGet returns a GET URL valid for ttl.
func (s *MinIOStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", errors.Dependency(err, "failed to presign object")
	}
	return u.String(), nil
}

func (s *MinIOStore) mapError(err error, key, message string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return errors.NotFound("object", key)
	}
	return errors.Dependency(err, message)
}
