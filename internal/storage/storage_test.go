package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestFinalLetterKey(t *testing.T) {
	got := FinalLetterKey("42")
	if got != "final-letters/letter-42-final-approved.pdf" {
		t.Errorf("FinalLetterKey = %q", got)
	}
}

func TestIntermediateLetterKey_Unique(t *testing.T) {
	a, b := IntermediateLetterKey(), IntermediateLetterKey()
	if a == b {
		t.Fatalf("expected distinct keys, got %q twice", a)
	}
	if !strings.HasPrefix(a, "signed-letters/") || !strings.HasSuffix(a, ".pdf") {
		t.Errorf("unexpected key shape %q", a)
	}
}

func TestS3Store_PresignGet(t *testing.T) {
	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:    "letters",
		Region:    "us-east-1",
		Endpoint:  "http://localhost:4566",
		AccessKey: "test",
		SecretKey: "test",
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}

	raw, err := store.PresignGet(context.Background(), FinalLetterKey("7"), 300*time.Second)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if u.Host != "localhost:4566" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/letters/final-letters/letter-7-final-approved.pdf" {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get("X-Amz-Expires"); got != "300" {
		t.Errorf("X-Amz-Expires = %q, want 300", got)
	}
}

func TestMinIOStore_PresignGet(t *testing.T) {
	store, err := NewMinIOStore(MinIOConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "letters",
		// A fixed region skips the bucket location lookup.
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewMinIOStore: %v", err)
	}

	raw, err := store.PresignGet(context.Background(), "signed-letters/a.pdf", time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.Contains(raw, "/letters/signed-letters/a.pdf") {
		t.Errorf("presigned url %q missing object path", raw)
	}
	if !strings.Contains(raw, "X-Amz-Expires=60") {
		t.Errorf("presigned url %q missing expiry", raw)
	}
}
