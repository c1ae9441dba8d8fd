package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxDecodeSide caps either dimension of a decoded image. Larger headers
// are rejected before any pixels are allocated.
const MaxDecodeSide = 10000

var (
	// ErrEmptyImage is returned when a decoded image has no pixels
	ErrEmptyImage = errors.New("decoded image has zero width or height")
	// ErrDecodeFailed wraps every format-level decode failure
	ErrDecodeFailed = errors.New("image decode failed")
)

// Backend turns encoded image bytes into raw bitmaps. The pipeline receives
// one at construction time and never probes for alternatives per call.
type Backend interface {
	Name() string
	Decode(data []byte) (*RawImage, error)
}

// SoftwareBackend decodes PNG, JPEG, GIF, BMP, TIFF and WEBP in pure Go
type SoftwareBackend struct{}

// NewSoftwareBackend returns the pure-Go decoder
func NewSoftwareBackend() *SoftwareBackend {
	return &SoftwareBackend{}
}

func (SoftwareBackend) Name() string { return "software" }

// Decode reads the first frame of data
func (SoftwareBackend) Decode(data []byte) (*RawImage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecodeFailed)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrEmptyImage
	}
	if cfg.Width > MaxDecodeSide || cfg.Height > MaxDecodeSide {
		return nil, fmt.Errorf("%w: %s %dx%d exceeds %d px per side", ErrDecodeFailed, format, cfg.Width, cfg.Height, MaxDecodeSide)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, format, err)
	}
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	return FromImage(img), nil
}
