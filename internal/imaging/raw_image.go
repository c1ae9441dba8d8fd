/**
 * Raw page bitmaps
 *
 * RawImage is the only pixel container the pipeline passes between stages:
 * straight (non-premultiplied) RGBA8, rows packed without padding.
 */

package imaging

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ErrInvalidImage is returned for nil images, zero dimensions, or a pixel
// buffer that does not match the declared size.
var ErrInvalidImage = errors.New("invalid raw image")

// RawImage is a straight-alpha RGBA8 bitmap
type RawImage struct {
	Width  int
	Height int
	Pix    []byte
}

// NewRawImage allocates a width×height bitmap filled with opaque white
func NewRawImage(width, height int) *RawImage {
	img := &RawImage{Width: width, Height: height, Pix: make([]byte, width*height*4)}
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

// Validate reports whether the image can be processed
func (r *RawImage) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil", ErrInvalidImage)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidImage, r.Width, r.Height)
	}
	if len(r.Pix) != r.Width*r.Height*4 {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrInvalidImage, len(r.Pix), r.Width, r.Height)
	}
	return nil
}

// Clone returns a deep copy
func (r *RawImage) Clone() *RawImage {
	pix := make([]byte, len(r.Pix))
	copy(pix, r.Pix)
	return &RawImage{Width: r.Width, Height: r.Height, Pix: pix}
}

// Release drops the pixel buffer so it can be collected while the rest of
// the page state is still alive.
func (r *RawImage) Release() {
	if r != nil {
		r.Pix = nil
	}
}

// NRGBA returns an image.NRGBA view sharing the pixel buffer
func (r *RawImage) NRGBA() *image.NRGBA {
	return &image.NRGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// FromImage converts any image to a RawImage, compositing it over white so
// transparent regions read as paper.
func FromImage(src image.Image) *RawImage {
	b := src.Bounds()
	dst := NewRawImage(b.Dx(), b.Dy())
	draw.Draw(dst.NRGBA(), dst.NRGBA().Bounds(), src, b.Min, draw.Over)
	return dst
}

// ScaleTo resamples src into a white width×height canvas
func ScaleTo(src image.Image, width, height int) *RawImage {
	dst := NewRawImage(width, height)
	draw.ApproxBiLinear.Scale(dst.NRGBA(), dst.NRGBA().Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// luminance is the ITU-R BT.601 weighted brightness of one pixel
func luminance(r, g, b byte) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
