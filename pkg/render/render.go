// Package render turns contract HTML into the draft PDF.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Renderer converts an HTML document to PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// ErrNotConfigured is returned when no rendering service is available.
var ErrNotConfigured = errors.New("html renderer not configured")

// MaxPDFSize bounds the rendered document read from the service.
const MaxPDFSize = 64 << 20

// Gotenberg posts HTML to a Gotenberg Chromium route.
type Gotenberg struct {
	BaseURL string
	Client  *http.Client
	// PaperWidth/PaperHeight in inches; zero keeps the service default.
	PaperWidth  float64
	PaperHeight float64
}

func NewGotenberg(baseURL string) *Gotenberg {
	return &Gotenberg{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *Gotenberg) Render(ctx context.Context, html string) ([]byte, error) {
	if g.BaseURL == "" {
		return nil, ErrNotConfigured
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("files", "index.html")
	if err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.WriteString(fw, html); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}
	if g.PaperWidth > 0 && g.PaperHeight > 0 {
		_ = mw.WriteField("paperWidth", fmt.Sprintf("%g", g.PaperWidth))
		_ = mw.WriteField("paperHeight", fmt.Sprintf("%g", g.PaperHeight))
	}
	_ = mw.WriteField("printBackground", "true")
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/forms/chromium/convert/html", &body)
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("renderer returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	pdf, err := io.ReadAll(io.LimitReader(resp.Body, MaxPDFSize+1))
	if err != nil {
		return nil, fmt.Errorf("read rendered pdf: %w", err)
	}
	if len(pdf) > MaxPDFSize {
		return nil, fmt.Errorf("rendered pdf exceeds %d bytes", MaxPDFSize)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, errors.New("renderer did not return a PDF")
	}
	return pdf, nil
}
