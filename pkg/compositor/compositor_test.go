package compositor

import (
	"bytes"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countersign/countersign/pkg/compositor/compositortest"
	"github.com/countersign/countersign/pkg/contract"
)

const (
	a4Width  = 595.28
	a4Height = 841.89
)

func TestNativePlacementFlipsY(t *testing.T) {
	p := contract.Placement{Page: 0, X: 72, Y: 650, Width: 150, Height: 60}
	x, y := NativePlacement(a4Height, p)
	assert.Equal(t, 72.0, x)
	assert.InDelta(t, 131.89, y, 1e-9)
	assert.InDelta(t, a4Height-650-60, y, 1e-9)
}

func TestNativePlacementTopAndBottomEdges(t *testing.T) {
	_, y := NativePlacement(792, contract.Placement{Y: 0, Width: 10, Height: 50})
	assert.Equal(t, 742.0, y, "a box at the top edge sits just below the page top")

	_, y = NativePlacement(792, contract.Placement{Y: 742, Width: 10, Height: 50})
	assert.Equal(t, 0.0, y, "a box touching the bottom edge starts at native zero")
}

func TestDescribe(t *testing.T) {
	x, y := NativePlacement(a4Height, contract.Placement{X: 72, Y: 650, Width: 150, Height: 60})
	d := describe(x, y, 0.25)
	assert.Contains(t, d, "position:bl")
	assert.Contains(t, d, "offset:72.00 131.89")
	assert.Contains(t, d, "scalefactor:0.250000 abs")
	assert.Contains(t, d, "rotation:0")
}

func TestPixelBox(t *testing.T) {
	w, h, s := pixelBox(150, 60, 4)
	assert.Equal(t, 600, w)
	assert.Equal(t, 240, h)
	assert.InDelta(t, 0.25, s, 1e-12)
	assert.InDelta(t, 150.0, float64(w)*s, 1e-9)
	assert.InDelta(t, 60.0, float64(h)*s, 0.25)

	w, h, _ = pixelBox(10000, 0.01, 4)
	assert.Equal(t, maxPixelsPerSide, w)
	assert.Equal(t, 1, h)
}

func TestCheckPlacement(t *testing.T) {
	pages := []PageSize{{Width: a4Width, Height: a4Height}, {Width: a4Width, Height: a4Height}}

	require.NoError(t, CheckPlacement(pages, contract.Placement{Page: 1, X: 72, Y: 650, Width: 150, Height: 60}))

	err := CheckPlacement(pages, contract.Placement{Page: 2, Width: 10, Height: 10})
	assert.ErrorIs(t, err, contract.ErrInvalidPlacement)

	err = CheckPlacement(pages, contract.Placement{Page: 0, X: 500, Y: 10, Width: 150, Height: 60})
	assert.ErrorIs(t, err, contract.ErrInvalidPlacement)

	err = CheckPlacement(pages, contract.Placement{Page: 0, Width: 0, Height: 60})
	assert.ErrorIs(t, err, contract.ErrInvalidPlacement)
}

func TestInspect(t *testing.T) {
	doc := compositortest.BlankPDF(2, a4Width, a4Height)
	pages, err := NewPDF().Inspect(doc)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.InDelta(t, a4Height, pages[1].Height, 0.01)

	_, err = NewPDF().Inspect([]byte("not a pdf"))
	assert.ErrorIs(t, err, contract.ErrCompositionError)
}

func TestEmbedProducesNewDocument(t *testing.T) {
	doc := compositortest.BlankPDF(2, a4Width, a4Height)
	original := bytes.Clone(doc)
	sig := compositortest.SignaturePNG(300, 120)

	out, err := NewPDF().Embed(doc, sig, contract.Placement{Page: 1, X: 72, Y: 650, Width: 150, Height: 60})
	require.NoError(t, err)

	assert.Equal(t, original, doc, "source bytes must not be mutated")
	assert.NotEqual(t, doc, out)
	assert.True(t, bytes.Contains(out, []byte("/Image")))

	n, err := api.PageCount(bytes.NewReader(out), NewPDF().conf())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestComposeMultipleOverlays(t *testing.T) {
	doc := compositortest.BlankPDF(1, 612, 792)
	sig := compositortest.SignaturePNG(200, 80)

	out, err := NewPDF().Compose(doc, []Overlay{
		{Image: sig, Placement: contract.Placement{X: 72, Y: 600, Width: 150, Height: 60}},
		{Image: sig, Placement: contract.Placement{X: 320, Y: 600, Width: 150, Height: 60}},
	})
	require.NoError(t, err)
	assert.Greater(t, len(out), len(doc))
}

func TestComposeNoOverlaysCopies(t *testing.T) {
	doc := compositortest.BlankPDF(1, 612, 792)
	out, err := NewPDF().Compose(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, doc, out)
	out[0] = 'X'
	assert.Equal(t, byte('%'), doc[0])
}

func TestEmbedErrors(t *testing.T) {
	doc := compositortest.BlankPDF(1, a4Width, a4Height)
	sig := compositortest.SignaturePNG(30, 10)

	_, err := NewPDF().Embed(doc, sig, contract.Placement{Page: 3, Width: 10, Height: 10})
	assert.ErrorIs(t, err, contract.ErrInvalidPlacement)

	_, err = NewPDF().Embed(doc, []byte("not an image"), contract.Placement{Width: 10, Height: 10})
	assert.ErrorIs(t, err, contract.ErrCompositionError)

	_, err = NewPDF().Embed([]byte("%PDF-broken"), sig, contract.Placement{Width: 10, Height: 10})
	assert.ErrorIs(t, err, contract.ErrCompositionError)
}
