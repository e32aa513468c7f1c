package compositor

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	// Registered decoders for submitted signatures.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxImageSide bounds decoded signature images.
const MaxImageSide = 4096

// maxPixelsPerSide bounds the resampled stamp.
const maxPixelsPerSide = 2400

// fitImage decodes raw, resamples it to the box aspect at the requested
// oversampling and returns PNG bytes plus the absolute scale that maps the
// pixel size back onto width x height points.
func fitImage(raw []byte, width, height, oversample float64) ([]byte, float64, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("decode signature image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxImageSide || cfg.Height > MaxImageSide {
		return nil, 0, fmt.Errorf("signature image size %dx%d not accepted", cfg.Width, cfg.Height)
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("decode signature image: %w", err)
	}

	pxW, pxH, scale := pixelBox(width, height, oversample)

	dst := image.NewNRGBA(image.Rect(0, 0, pxW, pxH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, 0, fmt.Errorf("encode stamp: %w", err)
	}
	return buf.Bytes(), scale, nil
}

// pixelBox picks a pixel size for a width x height point box such that
// pxW*scale == width and pxH*scale ~= height.
func pixelBox(width, height, oversample float64) (pxW, pxH int, scale float64) {
	if oversample <= 0 {
		oversample = 1
	}
	pxW = int(math.Round(width * oversample))
	pxW = min(max(pxW, 1), maxPixelsPerSide)
	scale = width / float64(pxW)
	pxH = int(math.Round(height / scale))
	pxH = min(max(pxH, 1), maxPixelsPerSide)
	return pxW, pxH, scale
}
