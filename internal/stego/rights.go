package stego

import (
	"errors"
	"image"
)

var ErrNoRightsRow = errors.New("carrier has no access-rights row")

// The outer carrier appends one pixel row below the inner carrier. The
// view budget travels as two consecutive bytes (views_high, views_low) in
// the alpha channel of the leftmost two pixels of that row; the remaining
// pixels of the row are zero.

// EncodeAccessRights builds the outer carrier from an inner carrier and a
// view budget.
func EncodeAccessRights(inner image.Image, views uint16) *image.NRGBA {
	src := toNRGBA(inner)
	w, h := src.Rect.Dx(), src.Rect.Dy()

	outer := image.NewNRGBA(image.Rect(0, 0, w, h+1))
	for y := 0; y < h; y++ {
		copy(outer.Pix[y*outer.Stride:y*outer.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
	}

	row := h * outer.Stride
	outer.Pix[row+3] = byte(views >> 8)
	if w > 1 {
		outer.Pix[row+4+3] = byte(views & 0xFF)
	}
	return outer
}

// DecodeAccessRights reads the view budget from the extra row and strips
// it, restoring the inner carrier bit-exact.
func DecodeAccessRights(outer image.Image) (uint16, *image.NRGBA, error) {
	src := toNRGBA(outer)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if h < 2 || w < 1 {
		return 0, nil, ErrNoRightsRow
	}

	row := (h - 1) * src.Stride
	views := uint16(src.Pix[row+3]) << 8
	if w > 1 {
		views |= uint16(src.Pix[row+4+3])
	}

	inner := image.NewNRGBA(image.Rect(0, 0, w, h-1))
	for y := 0; y < h-1; y++ {
		copy(inner.Pix[y*inner.Stride:y*inner.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
	}
	return views, inner, nil
}
