package pdf

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// PdfcpuRenderer implements Renderer with pdfcpu image stamps.
type PdfcpuRenderer struct {
	conf *model.Configuration
}

// NewPdfcpuRenderer creates a renderer that reads documents in relaxed
// validation mode.
func NewPdfcpuRenderer() *PdfcpuRenderer {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PdfcpuRenderer{conf: conf}
}

func (r *PdfcpuRenderer) PageSizes(doc []byte) ([]PageSize, error) {
	dims, err := api.PageDims(bytes.NewReader(doc), r.conf)
	if err != nil {
		return nil, err
	}
	pages := make([]PageSize, len(dims))
	for i, d := range dims {
		pages[i] = PageSize{Width: d.Width, Height: d.Height}
	}
	return pages, nil
}

// DrawImages stamps every draw onto its page and serializes the document once.
func (r *PdfcpuRenderer) DrawImages(doc []byte, draws []Draw) ([]byte, error) {
	byPage := make(map[int][]*model.Watermark)
	for i, d := range draws {
		cfg, err := decodeConfig(d.Image)
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", i, err)
		}

		// Absolute scale is relative to the image's pixel size taken as points.
		scale := d.Width / float64(cfg.Width)
		desc := fmt.Sprintf("pos:bl, off:%.2f %.2f, scalefactor:%.6f abs, rot:0, op:1", d.X, d.Y, scale)

		wm, err := api.ImageWatermarkForReader(bytes.NewReader(d.Image), desc, true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", i, err)
		}
		byPage[d.Page] = append(byPage[d.Page], wm)
	}

	var out bytes.Buffer
	if err := api.AddWatermarksSliceMap(bytes.NewReader(doc), &out, byPage, r.conf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
