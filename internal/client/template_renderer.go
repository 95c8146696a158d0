package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// FillPlaceholders replaces {{key}} markers in content with formData values.
// Unknown keys are left as written.
func FillPlaceholders(content string, formData map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(content, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := formData[key]
		if !ok || v == nil {
			return m
		}
		return fmt.Sprint(v)
	})
}

// HTTPTemplateRenderer converts HTML to PDF through a Gotenberg-compatible
// service.
type HTTPTemplateRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTemplateRenderer creates a renderer rooted at baseURL.
func NewHTTPTemplateRenderer(baseURL string, timeout time.Duration) *HTTPTemplateRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTemplateRenderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// RenderPDF posts html as index.html and returns the produced PDF.
func (r *HTTPTemplateRenderer) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("renderer base url not configured")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.WriteString(part, html); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/forms/chromium/convert/html", &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("render failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rendered pdf: %w", err)
	}
	return pdf, nil
}
