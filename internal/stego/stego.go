// Package stego embeds byte payloads in the alpha channel of images and
// composes the two-layer carrier used for access-controlled sharing: an
// inner layer hiding a payload image, and an outer access-rights row.
package stego

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
)

var (
	ErrPayloadTooLarge = errors.New("payload does not fit in cover image")
	ErrCorruptCarrier  = errors.New("carrier does not hold a valid payload")
)

// headerPixels hold the 4-byte big-endian payload length.
const headerPixels = 4

// Capacity returns the number of payload bytes a cover of the given
// dimensions can hide.
func Capacity(width, height int) int {
	n := width*height - headerPixels
	if n < 0 {
		return 0
	}
	return n
}

// Hide embeds payload into the alpha channel of cover, one byte per
// pixel, preceded by a 4-byte length header. The cover's color channels
// are preserved; only alpha carries data.
func Hide(cover image.Image, payload []byte) (*image.NRGBA, error) {
	bounds := cover.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if len(payload) > Capacity(w, h) {
		return nil, fmt.Errorf("%w: %d bytes into %dx%d", ErrPayloadTooLarge, len(payload), w, h)
	}

	carrier := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(carrier, carrier.Bounds(), cover, bounds.Min, draw.Src)

	var header [headerPixels]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	setAlpha := func(i int, b byte) {
		carrier.Pix[i*4+3] = b
	}
	for i, b := range header {
		setAlpha(i, b)
	}
	for i, b := range payload {
		setAlpha(headerPixels+i, b)
	}
	// Remaining pixels stay opaque so the carrier still renders as an
	// ordinary image.
	for i := headerPixels + len(payload); i < w*h; i++ {
		setAlpha(i, 0xFF)
	}
	return carrier, nil
}

// Reveal extracts the payload hidden by Hide from the same image.
func Reveal(carrier image.Image) ([]byte, error) {
	nrgba := toNRGBA(carrier)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	if w*h < headerPixels {
		return nil, ErrCorruptCarrier
	}

	alpha := func(i int) byte {
		return nrgba.Pix[i*4+3]
	}

	var header [headerPixels]byte
	for i := range header {
		header[i] = alpha(i)
	}
	size := int(binary.BigEndian.Uint32(header[:]))
	if size > Capacity(w, h) {
		return nil, fmt.Errorf("%w: claimed %d bytes", ErrCorruptCarrier, size)
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = alpha(headerPixels + i)
	}
	return payload, nil
}

// EncodePNG serializes a carrier losslessly. PNG is the only format that
// survives the alpha channel intact.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode carrier: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePNG parses carrier bytes back into an image.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode carrier: %w", err)
	}
	return img, nil
}

// toNRGBA converts any image to NRGBA without premultiplying alpha.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(out, out.Bounds(), img, bounds.Min, draw.Src)
	return out
}
