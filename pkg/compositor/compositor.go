// Package compositor stamps signature images onto pages of a PDF.
//
// Placements arrive in the stored top-left-origin convention (see
// contract.Placement). PDF user space has its origin at the bottom-left of
// the page, so NativePlacement is the one place the Y axis is flipped.
package compositor

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/countersign/countersign/pkg/contract"
)

// Overlay is one signature image and where it goes.
type Overlay struct {
	Image     []byte
	Placement contract.Placement
}

// PageSize is a page's visible size in points.
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Compositor produces new documents with signature images applied.
// Implementations never modify the source slice.
type Compositor interface {
	// Embed applies a single image.
	Embed(source, image []byte, p contract.Placement) ([]byte, error)
	// Compose applies every overlay in order in one pass.
	Compose(source []byte, overlays []Overlay) ([]byte, error)
	// Inspect returns the page sizes of a document.
	Inspect(source []byte) ([]PageSize, error)
}

// NativePlacement converts a stored top-left placement into the PDF's
// bottom-left coordinates of the box's lower-left corner.
func NativePlacement(pageHeight float64, p contract.Placement) (x, y float64) {
	return p.X, pageHeight - p.Y - p.Height
}

// CheckPlacement verifies p against the document's pages.
func CheckPlacement(pages []PageSize, p contract.Placement) error {
	const op = "compositor.CheckPlacement"
	if err := p.Validate(); err != nil {
		return &contract.Error{Kind: contract.KindInvalidPlacement, Op: op, Err: err}
	}
	if p.Page >= len(pages) {
		return contract.Errorf(contract.KindInvalidPlacement, op,
			"page %d out of range, document has %d pages", p.Page, len(pages))
	}
	dim := pages[p.Page]
	if p.X+p.Width > dim.Width+epsilon || p.Y+p.Height > dim.Height+epsilon {
		return contract.Errorf(contract.KindInvalidPlacement, op,
			"box %gx%g at (%g, %g) exceeds page %d of %gx%g",
			p.Width, p.Height, p.X, p.Y, p.Page, dim.Width, dim.Height)
	}
	return nil
}

const epsilon = 0.01

func init() {
	// pdfcpu otherwise creates a config directory under the user's home.
	api.DisableConfigDir()
}

// PDF composes with pdfcpu.
type PDF struct {
	// Oversample is the number of image pixels per point of box width.
	Oversample float64
}

// NewPDF returns a PDF compositor with default settings.
func NewPDF() *PDF {
	return &PDF{Oversample: 4}
}

func (c *PDF) conf() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

func (c *PDF) Inspect(source []byte) ([]PageSize, error) {
	dims, err := api.PageDims(bytes.NewReader(source), c.conf())
	if err != nil {
		return nil, &contract.Error{Kind: contract.KindCompositionError, Op: "compositor.Inspect",
			Err: fmt.Errorf("read page dimensions: %w", err)}
	}
	pages := make([]PageSize, len(dims))
	for i, d := range dims {
		pages[i] = PageSize{Width: d.Width, Height: d.Height}
	}
	return pages, nil
}

func (c *PDF) Embed(source, image []byte, p contract.Placement) ([]byte, error) {
	return c.Compose(source, []Overlay{{Image: image, Placement: p}})
}

func (c *PDF) Compose(source []byte, overlays []Overlay) ([]byte, error) {
	const op = "compositor.Compose"

	pages, err := c.Inspect(source)
	if err != nil {
		return nil, err
	}
	if len(overlays) == 0 {
		return bytes.Clone(source), nil
	}

	// 1. Validate every placement before touching the document
	for _, ov := range overlays {
		if err := CheckPlacement(pages, ov.Placement); err != nil {
			return nil, err
		}
	}

	// 2. Build one stamp per overlay, grouped by 1-based page number
	byPage := make(map[int][]*model.Watermark)
	for i, ov := range overlays {
		p := ov.Placement
		img, scale, err := fitImage(ov.Image, p.Width, p.Height, c.Oversample)
		if err != nil {
			return nil, &contract.Error{Kind: contract.KindCompositionError, Op: op,
				Err: fmt.Errorf("overlay %d: %w", i, err)}
		}
		x, y := NativePlacement(pages[p.Page].Height, p)
		wm, err := api.ImageWatermarkForReader(bytes.NewReader(img), describe(x, y, scale), true, false, types.POINTS)
		if err != nil {
			return nil, &contract.Error{Kind: contract.KindCompositionError, Op: op,
				Err: fmt.Errorf("overlay %d: build stamp: %w", i, err)}
		}
		byPage[p.Page+1] = append(byPage[p.Page+1], wm)
	}

	// 3. Write a new document; the source reader is read-only
	var out bytes.Buffer
	if err := api.AddWatermarksSliceMap(bytes.NewReader(source), &out, byPage, c.conf()); err != nil {
		return nil, &contract.Error{Kind: contract.KindCompositionError, Op: op,
			Err: fmt.Errorf("apply stamps: %w", err)}
	}
	return out.Bytes(), nil
}

// describe renders a pdfcpu stamp description anchoring the image's
// lower-left corner at (x, y) with an absolute scale.
func describe(x, y, scale float64) string {
	return fmt.Sprintf("position:bl, offset:%s %s, scalefactor:%s abs, rotation:0, opacity:1",
		formatFloat(x), formatFloat(y), strconv.FormatFloat(scale, 'f', 6, 64))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(math.Round(f*100)/100, 'f', 2, 64)
}
