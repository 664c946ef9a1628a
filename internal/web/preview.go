package web

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// DefaultPreviewEdge bounds the longest side of a preview.
const DefaultPreviewEdge = 640

// Preview decodes a staged image (jpeg, png, gif or webp) and scales it so
// its longest side is at most maxEdge. Images with transparency come back as
// PNG, everything else as JPEG. It returns the encoded bytes and content type.
func Preview(data []byte, maxEdge int) ([]byte, string, error) {
	if maxEdge <= 0 {
		maxEdge = DefaultPreviewEdge
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decoding image: %w", err)
	}

	img = withinMax(img, maxEdge)

	var buf bytes.Buffer
	if hasAlpha(img) {
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encoding preview: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("encoding preview: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

func withinMax(img image.Image, maxEdge int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	longest := max(w, h)
	if longest <= maxEdge {
		return img
	}
	scale := float64(maxEdge) / float64(longest)
	return resize.Resize(uint(float64(w)*scale), uint(float64(h)*scale), img, resize.Lanczos3)
}

// hasAlpha reports whether any pixel is not fully opaque.
func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}
