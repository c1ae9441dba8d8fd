/**
 * Imaging tests
 *
 * Synthetic bitmaps with known ink coverage, edge density, histograms and
 * skew angles.
 */

package imaging

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// patternImage paints dark pixels wherever dark(x, y) is true
func patternImage(w, h int, dark func(x, y int) bool) *RawImage {
	img := NewRawImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if dark(x, y) {
				i := (y*w + x) * 4
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = 0, 0, 0
			}
		}
	}
	return img
}

func uniformImage(w, h int, v byte) *RawImage {
	img := NewRawImage(w, h)
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = v, v, v
	}
	return img
}

func grayAt(img *RawImage, x, y int) byte {
	return img.Pix[(y*img.Width+x)*4]
}

// skewedLines draws 3px lines every 20px tilted by angle degrees
func skewedLines(w, h int, angle float64) *RawImage {
	tan := math.Tan(angle * math.Pi / 180)
	cx, cy := float64(w)/2, float64(h)/2
	return patternImage(w, h, func(x, y int) bool {
		off := math.Mod((float64(y)-cy)-(float64(x)-cx)*tan, 20)
		if off < 0 {
			off += 20
		}
		return off < 3
	})
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		img      *RawImage
		wantType PageType
		wantInk  float64
	}{
		{
			name:     "white page is blank",
			img:      uniformImage(100, 100, 255),
			wantType: PageBlank,
			wantInk:  0,
		},
		{
			name:     "a few specks stay blank",
			img:      patternImage(100, 100, func(x, y int) bool { return x == 50 && y < 40 }),
			wantType: PageBlank,
			wantInk:  0,
		},
		{
			name:     "dense thin strokes are text",
			img:      patternImage(100, 100, func(x, y int) bool { return y%2 == 1 && x%2 == 0 }),
			wantType: PageText,
			wantInk:  0.25,
		},
		{
			name:     "sparse strokes are hybrid",
			img:      patternImage(100, 100, func(x, y int) bool { return y%2 == 1 && x%10 == 0 }),
			wantType: PageHybrid,
			wantInk:  0.05,
		},
		{
			name:     "uniform dark page is a scan",
			img:      uniformImage(100, 100, 100),
			wantType: PageScan,
			wantInk:  1,
		},
		{
			name:     "solid band without enough edges defaults to scan",
			img:      patternImage(100, 100, func(x, y int) bool { return y >= 40 && y < 50 }),
			wantType: PageScan,
			wantInk:  0.1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Classify(tc.img)
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, got.PageType)
			assert.InDelta(t, tc.wantInk, got.TextDensity, 1e-9)
		})
	}
}

func TestEdgeDensity(t *testing.T) {
	img := patternImage(100, 100, func(x, y int) bool { return y%2 == 1 && x%2 == 0 })
	assert.InDelta(t, 0.5, EdgeDensity(img), 1e-9)

	flat := uniformImage(10, 2, 0)
	assert.Equal(t, 0.0, EdgeDensity(flat))
}

func TestClassifyRejectsInvalidImage(t *testing.T) {
	_, err := Classify(&RawImage{Width: 0, Height: 10})
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = Classify(&RawImage{Width: 2, Height: 2, Pix: make([]byte, 3)})
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestGrayscale(t *testing.T) {
	img := NewRawImage(1, 1)
	copy(img.Pix, []byte{255, 0, 0, 128})

	out := Grayscale(img)
	assert.Equal(t, []byte{76, 76, 76, 128}, out.Pix)
	assert.Equal(t, []byte{255, 0, 0, 128}, img.Pix, "input must not change")
}

func TestContrastStretch(t *testing.T) {
	t.Run("stretches the percentile range to full scale", func(t *testing.T) {
		img := NewRawImage(101, 1)
		for x := 0; x <= 100; x++ {
			v := byte(50 + x)
			img.Pix[x*4], img.Pix[x*4+1], img.Pix[x*4+2] = v, v, v
		}

		low, high := StretchBounds(img)
		assert.Equal(t, 51, low)
		assert.Equal(t, 149, high)

		out := ContrastStretch(img)
		assert.Equal(t, byte(0), grayAt(out, 0, 0))
		assert.Equal(t, byte(0), grayAt(out, 1, 0))
		assert.Equal(t, byte(255), grayAt(out, 100, 0))
		assert.InDelta(t, 127.5, float64(grayAt(out, 50, 0)), 1)
	})

	t.Run("flat image is returned unchanged", func(t *testing.T) {
		img := uniformImage(8, 8, 77)
		out := ContrastStretch(img)
		assert.Equal(t, img.Pix, out.Pix)
	})
}

func TestMedianDenoise(t *testing.T) {
	img := uniformImage(5, 5, 200)
	set := func(x, y int, v byte) {
		i := (y*5 + x) * 4
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = v, v, v
	}
	set(2, 2, 0)
	set(0, 0, 0)

	out := MedianDenoise(img)
	assert.Equal(t, byte(200), grayAt(out, 2, 2), "isolated speck is removed")
	assert.Equal(t, byte(0), grayAt(out, 0, 0), "border pixels are copied")
}

func TestOtsuBimodal(t *testing.T) {
	img := NewRawImage(10, 10)
	for i := 0; i < 100; i++ {
		v := byte(220)
		if i < 40 {
			v = 20
		}
		img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2] = v, v, v
	}

	th, ok := OtsuThreshold(img)
	require.True(t, ok)
	assert.Greater(t, th, 20)
	assert.Less(t, th, 220)

	out := Binarize(img)
	for i := 0; i < 100; i++ {
		want := byte(255)
		if i < 40 {
			want = 0
		}
		assert.Equal(t, want, out.Pix[i*4], "pixel %d", i)
	}
}

func TestOtsuFlatHistogram(t *testing.T) {
	_, ok := OtsuThreshold(uniformImage(4, 4, 90))
	assert.False(t, ok)
}

func TestDeskew(t *testing.T) {
	testCases := []struct {
		name  string
		angle float64
	}{
		{name: "straight page", angle: 0},
		{name: "two degrees", angle: 2},
		{name: "minus three degrees", angle: -3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			img := skewedLines(400, 400, tc.angle)
			assert.InDelta(t, tc.angle, EstimateSkew(img), 0.5)

			straight := Deskew(img)
			assert.InDelta(t, 0, EstimateSkew(straight), 0.5)
			assert.Equal(t, img.Width, straight.Width)
			assert.Equal(t, img.Height, straight.Height)
		})
	}
}

func TestRotateFillsWhite(t *testing.T) {
	img := uniformImage(100, 100, 0)
	out := Rotate(img, 5)
	assert.Equal(t, byte(255), grayAt(out, 0, 0), "corner uncovered by the rotated page")
	assert.Equal(t, byte(0), grayAt(out, 50, 50))
}

func TestPreprocessProducesBinaryGray(t *testing.T) {
	img := NewRawImage(40, 40)
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			i := (y*40 + x) * 4
			img.Pix[i] = byte(x * 6)
			img.Pix[i+1] = byte(y * 6)
			img.Pix[i+2] = 120
		}
	}

	for _, enhanced := range []bool{false, true} {
		out, err := Preprocess(img, enhanced)
		require.NoError(t, err)
		for i := 0; i < len(out.Pix); i += 4 {
			v := out.Pix[i]
			require.True(t, v == 0 || v == 255, "pixel value %d", v)
			require.Equal(t, v, out.Pix[i+1])
			require.Equal(t, v, out.Pix[i+2])
		}
	}

	_, err := Preprocess(nil, false)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestSoftwareBackendDecode(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.Set(0, 0, color.NRGBA{A: 0})
	src.Set(1, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	backend := NewSoftwareBackend()
	img, err := backend.Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 3, img.Width)
	assert.Equal(t, 2, img.Height)
	assert.Equal(t, []byte{255, 255, 255, 255}, img.Pix[0:4], "transparent pixels become white")
	assert.Equal(t, []byte{10, 20, 30, 255}, img.Pix[4:8])

	_, err = backend.Decode(nil)
	assert.ErrorIs(t, err, ErrDecodeFailed)

	_, err = backend.Decode([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

// pngHeader returns a PNG signature and IHDR chunk for an 8-bit RGBA image
// of the given size, with no pixel data
func pngHeader(width, height uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 6 // RGBA

	chunk := append([]byte("IHDR"), ihdr...)
	binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func TestSoftwareBackendRejectsOversizedImage(t *testing.T) {
	backend := NewSoftwareBackend()

	testCases := []struct {
		name          string
		width, height uint32
	}{
		{"huge both sides", 50000, 50000},
		{"too wide", MaxDecodeSide + 1, 10},
		{"too tall", 10, MaxDecodeSide + 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := png.DecodeConfig(bytes.NewReader(pngHeader(tc.width, tc.height)))
			require.NoError(t, err, "header must be readable")
			require.Equal(t, int(tc.width), cfg.Width)

			_, err = backend.Decode(pngHeader(tc.width, tc.height))
			require.ErrorIs(t, err, ErrDecodeFailed)
			assert.Contains(t, err.Error(), "exceeds")
		})
	}
}
