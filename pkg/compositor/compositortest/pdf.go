// Package compositortest builds small documents and images for tests.
package compositortest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// BlankPDF returns a well-formed PDF with the given number of empty pages,
// each width x height points, with a correct cross-reference table.
func BlankPDF(pages int, width, height float64) []byte {
	var buf bytes.Buffer
	offsets := []int{}

	write := func(format string, args ...any) {
		fmt.Fprintf(&buf, format, args...)
	}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		write("%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	write("%%PDF-1.4\n%%\xe2\xe3\xcf\xd3\n")

	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %.2f %.2f] /Resources << >> >>", width, height))
	}

	xref := buf.Len()
	write("xref\n0 %d\n", len(offsets)+1)
	write("0000000000 65535 f \n")
	for _, off := range offsets {
		write("%010d 00000 n \n", off)
	}
	write("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

// SignaturePNG returns a w x h PNG with a dark diagonal stroke on a
// transparent background.
func SignaturePNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	ink := color.NRGBA{R: 10, G: 20, B: 90, A: 255}
	for x := 0; x < w; x++ {
		y := x * h / w
		for dy := -1; dy <= 1; dy++ {
			if yy := y + dy; yy >= 0 && yy < h {
				img.SetNRGBA(x, yy, ink)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
