package imaging

import (
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	stretchLowPercentile  = 0.01
	stretchHighPercentile = 0.99

	deskewMaxAngle     = 5.0
	deskewStep         = 0.5
	deskewMinAngle     = 0.3
	deskewWindowWidth  = 0.8
	deskewWindowHeight = 0.6
	deskewColumnStep   = 3
)

// Preprocess runs grayscale, contrast stretch, optional median denoise,
// Otsu binarization and deskew, in that order. The input is not modified.
func Preprocess(img *RawImage, enhanced bool) (*RawImage, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	out := ContrastStretch(Grayscale(img))
	if enhanced {
		out = MedianDenoise(out)
	}
	out = Binarize(out)
	return Deskew(out), nil
}

// Grayscale replaces R, G and B with the rounded BT.601 luminance and keeps
// alpha.
func Grayscale(img *RawImage) *RawImage {
	out := &RawImage{Width: img.Width, Height: img.Height, Pix: make([]byte, len(img.Pix))}
	for i := 0; i < len(img.Pix); i += 4 {
		l := byte(math.Round(luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2])))
		out.Pix[i], out.Pix[i+1], out.Pix[i+2] = l, l, l
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}

// histogram counts the gray channel (R) of a grayscale image
func histogram(img *RawImage) [256]int {
	var h [256]int
	for i := 0; i < len(img.Pix); i += 4 {
		h[img.Pix[i]]++
	}
	return h
}

// mapGray applies lut to the gray channel and returns a new image
func mapGray(img *RawImage, lut *[256]byte) *RawImage {
	out := &RawImage{Width: img.Width, Height: img.Height, Pix: make([]byte, len(img.Pix))}
	for i := 0; i < len(img.Pix); i += 4 {
		v := lut[img.Pix[i]]
		out.Pix[i], out.Pix[i+1], out.Pix[i+2] = v, v, v
		out.Pix[i+3] = img.Pix[i+3]
	}
	return out
}

// StretchBounds returns the gray values at the 1st and 99th percentile
func StretchBounds(img *RawImage) (low, high int) {
	h := histogram(img)
	total := float64(img.Width * img.Height)

	cum := 0
	low, high = -1, 255
	for v := 0; v < 256; v++ {
		cum += h[v]
		if low < 0 && float64(cum) > total*stretchLowPercentile {
			low = v
		}
		if float64(cum) >= total*stretchHighPercentile {
			high = v
			break
		}
	}
	if low < 0 {
		low = 0
	}
	return low, high
}

// ContrastStretch remaps the gray channel linearly so the 1st percentile
// becomes 0 and the 99th becomes 255. Flat images are returned unchanged.
func ContrastStretch(img *RawImage) *RawImage {
	low, high := StretchBounds(img)
	if high <= low {
		return img.Clone()
	}

	var lut [256]byte
	scale := 255.0 / float64(high-low)
	for v := 0; v < 256; v++ {
		switch {
		case v <= low:
			lut[v] = 0
		case v >= high:
			lut[v] = 255
		default:
			lut[v] = byte(math.Round(float64(v-low) * scale))
		}
	}
	return mapGray(img, &lut)
}

// MedianDenoise applies a 3×3 median to the gray channel. The outermost
// rows and columns are copied unchanged.
func MedianDenoise(img *RawImage) *RawImage {
	out := img.Clone()
	if img.Width < 3 || img.Height < 3 {
		return out
	}

	stride := img.Width * 4
	var window [9]byte
	for y := 1; y < img.Height-1; y++ {
		for x := 1; x < img.Width-1; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				row := (y + dy) * stride
				for dx := -1; dx <= 1; dx++ {
					window[n] = img.Pix[row+(x+dx)*4]
					n++
				}
			}
			i := y*stride + x*4
			m := median9(&window)
			out.Pix[i], out.Pix[i+1], out.Pix[i+2] = m, m, m
		}
	}
	return out
}

// median9 sorts the window in place and returns its middle element
func median9(w *[9]byte) byte {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j] < w[j-1]; j-- {
			w[j], w[j-1] = w[j-1], w[j]
		}
	}
	return w[4]
}

// OtsuThreshold picks the gray level that maximizes between-class variance
// in one cumulative pass. When several levels share the maximum, the middle
// of that run is returned. ok is false for single-valued histograms.
func OtsuThreshold(img *RawImage) (t int, ok bool) {
	h := histogram(img)
	total := float64(img.Width * img.Height)

	sum := 0.0
	for v := 0; v < 256; v++ {
		sum += float64(v) * float64(h[v])
	}

	var (
		wB, sumB    float64
		best        = -1.0
		first, last int
	)
	for v := 0; v < 256; v++ {
		wB += float64(h[v])
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(v) * float64(h[v])

		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)

		if between > best {
			best, first, last = between, v, v
		} else if between == best {
			last = v
		}
	}

	if best < 0 {
		return 0, false
	}
	return (first + last) / 2, true
}

// Binarize sets every pixel above the Otsu threshold to white and the rest
// to black.
func Binarize(img *RawImage) *RawImage {
	t, ok := OtsuThreshold(img)
	if !ok {
		return img.Clone()
	}
	return BinarizeAt(img, t)
}

// BinarizeAt thresholds the gray channel at t
func BinarizeAt(img *RawImage, t int) *RawImage {
	var lut [256]byte
	for v := t + 1; v < 256; v++ {
		lut[v] = 255
	}
	return mapGray(img, &lut)
}

// EstimateSkew returns the angle in degrees, within ±5°, whose rotated
// sample of the page center has the largest variance of dark pixels per row.
func EstimateSkew(img *RawImage) float64 {
	best := 0.0
	bestVariance := rowVariance(img, 0)

	steps := int(deskewMaxAngle / deskewStep)
	for i := -steps; i <= steps; i++ {
		if i == 0 {
			continue
		}
		angle := float64(i) * deskewStep
		if v := rowVariance(img, angle); v > bestVariance {
			best, bestVariance = angle, v
		}
	}
	return best
}

// rowVariance samples a centered window with rows tilted by angle and
// returns the variance of the per-row dark counts.
func rowVariance(img *RawImage, angle float64) float64 {
	rad := angle * math.Pi / 180
	sin, cos := math.Sincos(rad)

	cx, cy := float64(img.Width)/2, float64(img.Height)/2
	halfW := int(float64(img.Width) * deskewWindowWidth / 2)
	halfH := int(float64(img.Height) * deskewWindowHeight / 2)
	stride := img.Width * 4

	rows := 0
	var sum, sumSq float64
	for dy := -halfH; dy <= halfH; dy++ {
		dark := 0
		for dx := -halfW; dx <= halfW; dx += deskewColumnStep {
			sx := int(cx + float64(dx)*cos - float64(dy)*sin)
			sy := int(cy + float64(dx)*sin + float64(dy)*cos)
			if sx < 0 || sy < 0 || sx >= img.Width || sy >= img.Height {
				continue
			}
			if img.Pix[sy*stride+sx*4] < inkLuminance {
				dark++
			}
		}
		c := float64(dark)
		sum += c
		sumSq += c * c
		rows++
	}

	if rows == 0 {
		return 0
	}
	mean := sum / float64(rows)
	return sumSq/float64(rows) - mean*mean
}

// Deskew straightens the page when the estimated skew is at least 0.3°
func Deskew(img *RawImage) *RawImage {
	angle := EstimateSkew(img)
	if math.Abs(angle) < deskewMinAngle {
		return img.Clone()
	}
	return Rotate(img, angle)
}

// Rotate turns the page about its center so that rows tilted by angle
// degrees become horizontal. Uncovered area is white.
func Rotate(img *RawImage, angle float64) *RawImage {
	rad := angle * math.Pi / 180
	sin, cos := math.Sincos(rad)
	cx, cy := float64(img.Width)/2, float64(img.Height)/2

	s2d := f64.Aff3{
		cos, sin, cx - cos*cx - sin*cy,
		-sin, cos, cy + sin*cx - cos*cy,
	}

	out := NewRawImage(img.Width, img.Height)
	src := img.NRGBA()
	draw.NearestNeighbor.Transform(out.NRGBA(), s2d, src, src.Bounds(), draw.Src, nil)
	return out
}
