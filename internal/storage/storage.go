// Package storage provides the document store letters read sources from and
// write baked artifacts to. Objects are addressed by key inside one bucket.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutResult describes a stored object.
type PutResult struct {
	Key string
	// PublicURL is set only when the bucket is publicly readable.
	PublicURL string
}

// DocumentStore is the binary store used by the workflow.
type DocumentStore interface {
	// GetBuffer returns the object's bytes, or a NOT_FOUND AppError.
	GetBuffer(ctx context.Context, key string) ([]byte, error)
	PutBuffer(ctx context.Context, data []byte, key, mimeType string) (*PutResult, error)
	// PresignGet returns a time-limited download URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

const (
	ContentTypePDF = "application/pdf"
	ContentTypePNG = "image/png"
)

// FinalLetterKey is the deterministic key of a letter's final approved artifact.
func FinalLetterKey(letterID string) string {
	return fmt.Sprintf("final-letters/letter-%s-final-approved.pdf", letterID)
}

// QRCodeKey is the key of the verification QR image stored next to a final artifact.
func QRCodeKey(letterID string) string {
	return fmt.Sprintf("qr-codes/letter-%s.png", letterID)
}

// IntermediateLetterKey returns a fresh key for a reviewer-stage artifact. It
// is generated before the letter row exists, so it carries its own id.
func IntermediateLetterKey() string {
	return fmt.Sprintf("signed-letters/%s/%s.pdf", time.Now().UTC().Format("2006/01/02"), uuid.NewString())
}
