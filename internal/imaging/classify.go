package imaging

// PageType labels what kind of content a page bitmap holds
type PageType string

const (
	PageBlank  PageType = "blank"
	PageText   PageType = "text"
	PageScan   PageType = "scan"
	PageHybrid PageType = "hybrid"
)

const (
	inkLuminance      = 128
	blankInkCoverage  = 0.005
	textMinInk        = 0.01
	textMaxInk        = 0.30
	textMinEdges      = 0.15
	hybridMinEdges    = 0.05
	edgeDelta         = 50
	edgeRowSampleStep = 4
)

// PageClassification is computed once per page
type PageClassification struct {
	PageType    PageType `json:"pageType"`
	TextDensity float64  `json:"textDensity"`
}

// Classify labels a page from its ink coverage and vertical edge density.
// TextDensity carries the ink coverage; it is 0 for blank pages.
func Classify(img *RawImage) (PageClassification, error) {
	if err := img.Validate(); err != nil {
		return PageClassification{}, err
	}

	ink := InkCoverage(img)
	if ink < blankInkCoverage {
		return PageClassification{PageType: PageBlank, TextDensity: 0}, nil
	}

	edges := EdgeDensity(img)
	pageType := PageScan
	switch {
	case edges > textMinEdges && ink > textMinInk && ink < textMaxInk:
		pageType = PageText
	case ink > textMaxInk:
		pageType = PageScan
	case edges > hybridMinEdges:
		pageType = PageHybrid
	}

	return PageClassification{PageType: pageType, TextDensity: ink}, nil
}

// InkCoverage is the fraction of pixels darker than mid-gray
func InkCoverage(img *RawImage) float64 {
	dark := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2]) < inkLuminance {
			dark++
		}
	}
	return float64(dark) / float64(img.Width*img.Height)
}

// EdgeDensity samples every 4th interior row and counts pixels whose
// luminance differs from the pixel above or below by more than 50.
func EdgeDensity(img *RawImage) float64 {
	stride := img.Width * 4
	at := func(x, y int) float64 {
		i := y*stride + x*4
		return luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
	}

	sampled, transitions := 0, 0
	for y := 1; y < img.Height-1; y += edgeRowSampleStep {
		for x := 0; x < img.Width; x++ {
			l := at(x, y)
			up := abs(l - at(x, y-1))
			down := abs(l - at(x, y+1))
			if up > edgeDelta || down > edgeDelta {
				transitions++
			}
			sampled++
		}
	}

	if sampled == 0 {
		return 0
	}
	return float64(transitions) / float64(sampled)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
