// Package pdf bakes signature, stamp and QR images into letter PDFs.
//
// Placements are given in top-left-origin points (the coordinate system of the
// browser editor that produced them). The Manipulator resolves each one to a
// bottom-left-origin Draw and hands all of them to a Renderer in a single pass.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-dms-letters/internal/errors"
	"github.com/pesio-ai/be-dms-letters/internal/repository"
)

// Default QR box used when a letter has no qrcode placement.
const (
	DefaultQRSize   = 80.0
	DefaultQRMargin = 24.0
)

// PageSize is a page's media box in points.
type PageSize struct {
	Width  float64
	Height float64
}

// Draw is one image positioned on a page, bottom-left origin, in points.
type Draw struct {
	Page   int
	Image  []byte
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Renderer is the PDF capability the Manipulator drives.
type Renderer interface {
	PageSizes(doc []byte) ([]PageSize, error)
	DrawImages(doc []byte, draws []Draw) ([]byte, error)
}

// ImageFetcher resolves a placement URL to image bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Manipulator turns placements into draws.
type Manipulator struct {
	renderer Renderer
	fetcher  ImageFetcher
	log      zerolog.Logger
}

// NewManipulator creates a new Manipulator.
func NewManipulator(renderer Renderer, fetcher ImageFetcher, log zerolog.Logger) *Manipulator {
	return &Manipulator{
		renderer: renderer,
		fetcher:  fetcher,
		log:      log.With().Str("component", "pdf").Logger(),
	}
}

// Apply draws every signature and stamp placement onto doc. When qrPNG is
// non-nil the QR image is drawn at each qrcode placement, or at the bottom
// right of the last page if there are none. Qrcode placements are ignored
// when qrPNG is nil.
//
// A placement whose page is out of range or whose image cannot be fetched or
// decoded is skipped with a warning. Only reading the page tree and writing
// the result can fail the call.
func (m *Manipulator) Apply(ctx context.Context, doc []byte, placements []repository.Placement, qrPNG []byte) ([]byte, error) {
	pages, err := m.renderer.PageSizes(doc)
	if err != nil {
		return nil, errors.Dependency(err, "failed to read pdf pages")
	}
	if len(pages) == 0 {
		return nil, errors.Dependency(fmt.Errorf("document has no pages"), "failed to read pdf pages")
	}

	var draws []Draw
	var qrPlacements []repository.Placement

	for i, p := range placements {
		if p.Type == repository.PlacementQRCode {
			qrPlacements = append(qrPlacements, p)
			continue
		}

		page, ok := pageAt(pages, p.PageNumber)
		if !ok {
			m.log.Warn().
				Int("placement", i).
				Int("page_number", p.PageNumber).
				Int("page_count", len(pages)).
				Msg("placement page out of range, skipping")
			continue
		}

		data, err := m.fetcher.Fetch(ctx, p.URL)
		if err != nil {
			m.log.Warn().Err(err).Int("placement", i).Str("url", p.URL).Msg("failed to fetch placement image, skipping")
			continue
		}

		cfg, err := decodeConfig(data)
		if err != nil {
			m.log.Warn().Err(err).Int("placement", i).Str("url", p.URL).Msg("failed to decode placement image, skipping")
			continue
		}

		box := resolveBox(p, page)
		var w, h float64
		switch p.Type {
		case repository.PlacementSignature:
			w, h = fitWidth(box.Width, cfg)
		default:
			w, h = fitBox(box.Width, box.Height, cfg)
		}

		draws = append(draws, Draw{
			Page:   p.PageNumber,
			Image:  data,
			X:      box.X,
			Y:      page.Height - box.Y - h,
			Width:  w,
			Height: h,
		})
	}

	if qrPNG != nil {
		draws = append(draws, m.qrDraws(qrPNG, qrPlacements, pages)...)
	}

	if len(draws) == 0 {
		return doc, nil
	}

	out, err := m.renderer.DrawImages(doc, draws)
	if err != nil {
		return nil, errors.Dependency(err, "failed to write pdf")
	}
	return out, nil
}

func (m *Manipulator) qrDraws(qrPNG []byte, placements []repository.Placement, pages []PageSize) []Draw {
	if len(placements) == 0 {
		last := pages[len(pages)-1]
		return []Draw{{
			Page:   len(pages),
			Image:  qrPNG,
			X:      last.Width - DefaultQRMargin - DefaultQRSize,
			Y:      DefaultQRMargin,
			Width:  DefaultQRSize,
			Height: DefaultQRSize,
		}}
	}

	cfg, err := decodeConfig(qrPNG)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to decode qr image, skipping")
		return nil
	}

	draws := make([]Draw, 0, len(placements))
	for _, p := range placements {
		page, ok := pageAt(pages, p.PageNumber)
		if !ok {
			m.log.Warn().Int("page_number", p.PageNumber).Msg("qr placement page out of range, skipping")
			continue
		}
		box := resolveBox(p, page)
		w, h := fitBox(box.Width, box.Height, cfg)
		draws = append(draws, Draw{
			Page:   p.PageNumber,
			Image:  qrPNG,
			X:      box.X,
			Y:      page.Height - box.Y - h,
			Width:  w,
			Height: h,
		})
	}
	return draws
}

type rect struct {
	X, Y, Width, Height float64
}

// resolveBox returns the placement box in top-left-origin points. Percentage
// fields, when present, are relative to the page and take precedence.
func resolveBox(p repository.Placement, page PageSize) rect {
	r := rect{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
	if p.XPct != nil {
		r.X = *p.XPct / 100 * page.Width
	}
	if p.YPct != nil {
		r.Y = *p.YPct / 100 * page.Height
	}
	if p.WidthPct != nil {
		r.Width = *p.WidthPct / 100 * page.Width
	}
	if p.HeightPct != nil {
		r.Height = *p.HeightPct / 100 * page.Height
	}
	return r
}

// fitWidth keeps the given width and derives height from the image ratio.
func fitWidth(width float64, cfg image.Config) (float64, float64) {
	return width, width * float64(cfg.Height) / float64(cfg.Width)
}

// fitBox scales the image to the largest size that fits inside width x height.
func fitBox(width, height float64, cfg image.Config) (float64, float64) {
	iw, ih := float64(cfg.Width), float64(cfg.Height)
	scale := width / iw
	if ih*scale > height {
		scale = height / ih
	}
	return iw * scale, ih * scale
}

func pageAt(pages []PageSize, number int) (PageSize, bool) {
	if number < 1 || number > len(pages) {
		return PageSize{}, false
	}
	return pages[number-1], true
}

// decodeConfig tries PNG first, then JPEG.
func decodeConfig(data []byte) (image.Config, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		cfg, err = jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return image.Config{}, fmt.Errorf("image is neither png nor jpeg")
		}
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return image.Config{}, fmt.Errorf("image has zero size")
	}
	return cfg, nil
}
