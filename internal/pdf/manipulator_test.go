package pdf

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
)

var letterPage = PageSize{Width: 612, Height: 792}

func newTestManipulator(r *MockRenderer, images map[string][]byte) *Manipulator {
	return NewManipulator(r, &MockFetcher{Images: images}, zerolog.Nop())
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestApply_SignatureKeepsWidthAndDerivesHeight(t *testing.T) {
	r := &MockRenderer{Pages: []PageSize{letterPage}}
	m := newTestManipulator(r, map[string][]byte{"sig.png": makePNG(t, 200, 100)})

	_, err := m.Apply(context.Background(), []byte("%PDF"), []repository.Placement{{
		Type: repository.PlacementSignature, URL: "sig.png", PageNumber: 1,
		X: 50, Y: 100, Width: 120, Height: 500,
	}}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(r.Draws) != 1 {
		t.Fatalf("draws = %d, want 1", len(r.Draws))
	}
	d := r.Draws[0]
	if !approx(d.Width, 120) || !approx(d.Height, 60) {
		t.Errorf("size = %vx%v, want 120x60", d.Width, d.Height)
	}
	if !approx(d.X, 50) || !approx(d.Y, 792-100-60) {
		t.Errorf("position = (%v, %v), want (50, 632)", d.X, d.Y)
	}
}

func TestApply_StampFitsInsideBox(t *testing.T) {
	tests := []struct {
		name         string
		imgW, imgH   int
		boxW, boxH   float64
		wantW, wantH float64
	}{
		{name: "height bound", imgW: 100, imgH: 100, boxW: 200, boxH: 50, wantW: 50, wantH: 50},
		{name: "width bound", imgW: 200, imgH: 100, boxW: 100, boxH: 100, wantW: 100, wantH: 50},
		{name: "exact", imgW: 40, imgH: 20, boxW: 80, boxH: 40, wantW: 80, wantH: 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &MockRenderer{Pages: []PageSize{letterPage}}
			m := newTestManipulator(r, map[string][]byte{"stamp.png": makePNG(t, tt.imgW, tt.imgH)})

			_, err := m.Apply(context.Background(), []byte("%PDF"), []repository.Placement{{
				Type: repository.PlacementStamp, URL: "stamp.png", PageNumber: 1,
				X: 10, Y: 20, Width: tt.boxW, Height: tt.boxH,
			}}, nil)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}

			d := r.Draws[0]
			if !approx(d.Width, tt.wantW) || !approx(d.Height, tt.wantH) {
				t.Errorf("size = %vx%v, want %vx%v", d.Width, d.Height, tt.wantW, tt.wantH)
			}
			if !approx(d.Y, 792-20-tt.wantH) {
				t.Errorf("Y = %v, want %v", d.Y, 792-20-tt.wantH)
			}
		})
	}
}

func TestApply_SkipsBadPlacements(t *testing.T) {
	r := &MockRenderer{Pages: []PageSize{letterPage, letterPage}}
	m := newTestManipulator(r, map[string][]byte{
		"ok.png":   makePNG(t, 10, 10),
		"ok.jpg":   makeJPEG(t, 20, 10),
		"text.txt": []byte("not an image"),
	})

	placements := []repository.Placement{
		{Type: repository.PlacementSignature, URL: "ok.png", PageNumber: 3, Width: 10, Height: 10},
		{Type: repository.PlacementSignature, URL: "missing.png", PageNumber: 1, Width: 10, Height: 10},
		{Type: repository.PlacementStamp, URL: "text.txt", PageNumber: 1, Width: 10, Height: 10},
		{Type: repository.PlacementSignature, URL: "ok.jpg", PageNumber: 2, Width: 40, Height: 10},
		{Type: repository.PlacementStamp, URL: "ok.png", PageNumber: 0, Width: 10, Height: 10},
	}

	out, err := m.Apply(context.Background(), []byte("%PDF"), placements, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if string(out) != "rendered:%PDF" {
		t.Errorf("out = %q", out)
	}
	if r.Calls != 1 {
		t.Errorf("renderer calls = %d, want 1", r.Calls)
	}
	if len(r.Draws) != 1 {
		t.Fatalf("draws = %d, want only the jpeg placement", len(r.Draws))
	}
	if r.Draws[0].Page != 2 || !approx(r.Draws[0].Height, 20) {
		t.Errorf("jpeg draw = %+v", r.Draws[0])
	}
}

func TestApply_QRDefaultsToBottomRightOfLastPage(t *testing.T) {
	a4 := PageSize{Width: 595, Height: 842}
	r := &MockRenderer{Pages: []PageSize{letterPage, a4}}
	m := newTestManipulator(r, nil)
	qr := makePNG(t, 64, 64)

	_, err := m.Apply(context.Background(), []byte("%PDF"), nil, qr)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(r.Draws) != 1 {
		t.Fatalf("draws = %d, want 1", len(r.Draws))
	}
	d := r.Draws[0]
	if d.Page != 2 {
		t.Errorf("page = %d, want 2", d.Page)
	}
	if !approx(d.X, 595-DefaultQRMargin-DefaultQRSize) || !approx(d.Y, DefaultQRMargin) {
		t.Errorf("position = (%v, %v)", d.X, d.Y)
	}
	if !approx(d.Width, DefaultQRSize) || !approx(d.Height, DefaultQRSize) {
		t.Errorf("size = %vx%v", d.Width, d.Height)
	}
}

func TestApply_QRUsesQRCodePlacements(t *testing.T) {
	r := &MockRenderer{Pages: []PageSize{letterPage, letterPage}}
	m := newTestManipulator(r, nil)
	qr := makePNG(t, 64, 64)

	placements := []repository.Placement{
		{Type: repository.PlacementQRCode, PageNumber: 1, X: 30, Y: 40, Width: 60, Height: 60},
		{Type: repository.PlacementQRCode, PageNumber: 2, X: 500, Y: 700, Width: 50, Height: 50},
		{Type: repository.PlacementQRCode, PageNumber: 9, X: 0, Y: 0, Width: 50, Height: 50},
	}

	_, err := m.Apply(context.Background(), []byte("%PDF"), placements, qr)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(r.Draws) != 2 {
		t.Fatalf("draws = %d, want 2", len(r.Draws))
	}
	if r.Draws[0].Page != 1 || !approx(r.Draws[0].Y, 792-40-60) {
		t.Errorf("first qr draw = %+v", r.Draws[0])
	}
	if r.Draws[1].Page != 2 || !approx(r.Draws[1].X, 500) {
		t.Errorf("second qr draw = %+v", r.Draws[1])
	}
}

func TestApply_QRPlacementsIgnoredWithoutQRImage(t *testing.T) {
	r := &MockRenderer{Pages: []PageSize{letterPage}}
	m := newTestManipulator(r, nil)

	doc := []byte("%PDF")
	out, err := m.Apply(context.Background(), doc, []repository.Placement{
		{Type: repository.PlacementQRCode, PageNumber: 1, Width: 50, Height: 50},
	}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if r.Calls != 0 {
		t.Errorf("renderer called %d times, want 0", r.Calls)
	}
	if string(out) != string(doc) {
		t.Errorf("out = %q, want input unchanged", out)
	}
}

func TestApply_QRFitsInsideNonSquareBox(t *testing.T) {
	tests := []struct {
		name       string
		boxW, boxH float64
		wantSide   float64
	}{
		{name: "wide", boxW: 120, boxH: 60, wantSide: 60},
		{name: "tall", boxW: 60, boxH: 120, wantSide: 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &MockRenderer{Pages: []PageSize{letterPage}}
			m := newTestManipulator(r, nil)

			_, err := m.Apply(context.Background(), []byte("%PDF"), []repository.Placement{
				{Type: repository.PlacementQRCode, PageNumber: 1, X: 30, Y: 40, Width: tt.boxW, Height: tt.boxH},
			}, makePNG(t, 64, 64))
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}

			if len(r.Draws) != 1 {
				t.Fatalf("draws = %d, want 1", len(r.Draws))
			}
			d := r.Draws[0]
			if !approx(d.Width, tt.wantSide) || !approx(d.Height, tt.wantSide) {
				t.Errorf("size = %vx%v, want %vx%v", d.Width, d.Height, tt.wantSide, tt.wantSide)
			}
			// The image top sits on the box top edge.
			if !approx(d.Y+d.Height, 792-40) {
				t.Errorf("top = %v, want %v", d.Y+d.Height, 792-40)
			}
		})
	}
}

func TestApply_PercentagesOverridePoints(t *testing.T) {
	r := &MockRenderer{Pages: []PageSize{{Width: 600, Height: 800}}}
	m := newTestManipulator(r, map[string][]byte{"sig.png": makePNG(t, 100, 50)})

	xPct, yPct, wPct := 50.0, 25.0, 10.0
	_, err := m.Apply(context.Background(), []byte("%PDF"), []repository.Placement{{
		Type: repository.PlacementSignature, URL: "sig.png", PageNumber: 1,
		X: 1, Y: 1, Width: 1, Height: 1,
		XPct: &xPct, YPct: &yPct, WidthPct: &wPct,
	}}, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	d := r.Draws[0]
	if !approx(d.X, 300) || !approx(d.Width, 60) || !approx(d.Height, 30) {
		t.Errorf("draw = %+v", d)
	}
	if !approx(d.Y, 800-200-30) {
		t.Errorf("Y = %v, want 570", d.Y)
	}
}

func TestApply_RendererFailuresAreDependencyErrors(t *testing.T) {
	t.Run("page tree", func(t *testing.T) {
		r := &MockRenderer{PagesErr: fmt.Errorf("corrupt xref")}
		_, err := newTestManipulator(r, nil).Apply(context.Background(), []byte("x"), nil, nil)
		if !errors.Is(err, errors.ErrCodeDependencyFailure) {
			t.Errorf("err = %v, want DEPENDENCY_FAILURE", err)
		}
	})

	t.Run("write", func(t *testing.T) {
		r := &MockRenderer{Pages: []PageSize{letterPage}, DrawErr: fmt.Errorf("disk full")}
		_, err := newTestManipulator(r, nil).Apply(context.Background(), []byte("x"), nil, makePNG(t, 8, 8))
		if !errors.Is(err, errors.ErrCodeDependencyFailure) {
			t.Errorf("err = %v, want DEPENDENCY_FAILURE", err)
		}
	})
}

func TestStoreFetcher(t *testing.T) {
	img := makePNG(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sig.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))
	defer srv.Close()

	store := &MockKeyReader{Objects: map[string][]byte{"signatures/u1.png": img}}
	f := NewStoreFetcher(store, srv.Client())
	ctx := context.Background()

	t.Run("absolute url", func(t *testing.T) {
		got, err := f.Fetch(ctx, srv.URL+"/sig.png")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(got) != len(img) {
			t.Errorf("len = %d, want %d", len(got), len(img))
		}
	})

	t.Run("http error status", func(t *testing.T) {
		if _, err := f.Fetch(ctx, srv.URL+"/missing.png"); err == nil {
			t.Error("expected error for 404")
		}
	})

	t.Run("storage key", func(t *testing.T) {
		got, err := f.Fetch(ctx, "/signatures/u1.png")
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(got) != len(img) {
			t.Errorf("len = %d, want %d", len(got), len(img))
		}
		if store.Keys[len(store.Keys)-1] != "signatures/u1.png" {
			t.Errorf("store key = %q", store.Keys[len(store.Keys)-1])
		}
	})

	t.Run("empty reference", func(t *testing.T) {
		if _, err := f.Fetch(ctx, ""); err == nil {
			t.Error("expected error for empty reference")
		}
	})
}

func TestQREncoder_ProducesPNG(t *testing.T) {
	data, err := NewQREncoder(128).Encode("https://docs.example.com/verify/letter-1")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cfg, err := decodeConfig(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 128 || cfg.Height != 128 {
		t.Errorf("size = %dx%d, want 128x128", cfg.Width, cfg.Height)
	}
}
