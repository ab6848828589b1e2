package stego

import (
	"image"
	"os"
)

// LoadCover reads a cover image from disk, falling back to a generated
// cover sized for the payload when the path is empty or unreadable.
func LoadCover(path string, payloadSize int) image.Image {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if img, err := DecodePNG(data); err == nil {
				if Capacity(img.Bounds().Dx(), img.Bounds().Dy()) >= payloadSize {
					return img
				}
			}
		}
	}
	return GenerateCover(payloadSize)
}

// GenerateCover produces a deterministic gradient cover just large enough
// to hide payloadSize bytes.
func GenerateCover(payloadSize int) *image.NRGBA {
	side := 1
	for Capacity(side, side) < payloadSize {
		side *= 2
	}
	cover := image.NewNRGBA(image.Rect(0, 0, side, side))
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			i := y*cover.Stride + x*4
			cover.Pix[i] = byte(x * 255 / side)
			cover.Pix[i+1] = byte(y * 255 / side)
			cover.Pix[i+2] = byte((x + y) * 255 / (2 * side))
			cover.Pix[i+3] = 0xFF
		}
	}
	return cover
}
