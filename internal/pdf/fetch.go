package pdf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxImageBytes bounds a single fetched placement image.
const maxImageBytes = 10 << 20

// KeyReader reads an object from the document store by key.
type KeyReader interface {
	GetBuffer(ctx context.Context, key string) ([]byte, error)
}

// StoreFetcher resolves absolute http(s) URLs over HTTP and anything else as
// a document store key.
type StoreFetcher struct {
	store  KeyReader
	client *http.Client
}

// NewStoreFetcher creates a fetcher. A nil client gets a 10 second timeout.
func NewStoreFetcher(store KeyReader, client *http.Client) *StoreFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &StoreFetcher{store: store, client: client}
}

func (f *StoreFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("empty image reference")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return f.fetchHTTP(ctx, ref)
	}
	return f.store.GetBuffer(ctx, strings.TrimPrefix(ref, "/"))
}

func (f *StoreFetcher) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image at %s exceeds %d bytes", url, maxImageBytes)
	}
	return data, nil
}
