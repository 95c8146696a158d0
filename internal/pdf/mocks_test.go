package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// MockRenderer records the draws it is asked to render.
type MockRenderer struct {
	Pages    []PageSize
	PagesErr error
	DrawErr  error

	Calls int
	Draws []Draw
}

func (m *MockRenderer) PageSizes(doc []byte) ([]PageSize, error) {
	if m.PagesErr != nil {
		return nil, m.PagesErr
	}
	return m.Pages, nil
}

func (m *MockRenderer) DrawImages(doc []byte, draws []Draw) ([]byte, error) {
	m.Calls++
	m.Draws = draws
	if m.DrawErr != nil {
		return nil, m.DrawErr
	}
	return append([]byte("rendered:"), doc...), nil
}

// MockFetcher serves images from a map keyed by reference.
type MockFetcher struct {
	Images map[string][]byte
}

func (m *MockFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, ok := m.Images[ref]
	if !ok {
		return nil, fmt.Errorf("no image at %s", ref)
	}
	return data, nil
}

// MockKeyReader is an in-memory document store.
type MockKeyReader struct {
	Objects map[string][]byte
	Keys    []string
}

func (m *MockKeyReader) GetBuffer(ctx context.Context, key string) ([]byte, error) {
	m.Keys = append(m.Keys, key)
	data, ok := m.Objects[key]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", key)
	}
	return data, nil
}

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
