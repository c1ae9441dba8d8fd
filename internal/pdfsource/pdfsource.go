/**
 * PDF page source
 *
 * Opens PDF bytes with pdfcpu and rasterizes pages for OCR. Scanned PDFs
 * carry one full-page image per page, so a page is rendered by painting its
 * largest embedded image over a white canvas of the page's size. Vector
 * content is not rasterized; such pages come out white and are skipped as
 * blank downstream.
 */

package pdfsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/adverant/nexus/ocr-worker/internal/imaging"
)

// MaxRenderSide caps either dimension of a rendered page
const MaxRenderSide = imaging.MaxDecodeSide

var (
	// ErrOpenFailed wraps every failure to parse or validate a PDF
	ErrOpenFailed = errors.New("failed to open PDF")
	// ErrPageOutOfRange is returned for page numbers outside 1..PageCount
	ErrPageOutOfRange = errors.New("page out of range")
)

// Document is an opened PDF. Page numbers are 1-based.
type Document interface {
	PageCount() int
	// PageSize returns the page size in PDF points
	PageSize(pageNum int) (width, height float64, err error)
	// Render rasterizes a page at (width × scale) × (height × scale) pixels
	Render(ctx context.Context, pageNum int, width, height, scale float64) (*imaging.RawImage, error)
	Close() error
}

// Opener parses PDF bytes into a Document
type Opener interface {
	Open(ctx context.Context, data []byte) (Document, error)
}

// PDFCPUOpener opens documents with pdfcpu and decodes page images with
// the given backend
type PDFCPUOpener struct {
	backend imaging.Backend
}

// NewOpener creates a pdfcpu-backed opener
func NewOpener(backend imaging.Backend) *PDFCPUOpener {
	if backend == nil {
		backend = imaging.NewSoftwareBackend()
	}
	return &PDFCPUOpener{backend: backend}
}

// Open reads, validates and optimizes the PDF
func (o *PDFCPUOpener) Open(ctx context.Context, data []byte) (doc Document, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrOpenFailed)
	}

	// pdfcpu panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("%w: panic: %v", ErrOpenFailed, r)
		}
	}()

	conf := model.NewDefaultConfiguration()
	conf.Cmd = model.EXTRACTIMAGES
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	dims, err := pdfCtx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("%w: page dimensions: %v", ErrOpenFailed, err)
	}

	sizes := make([][2]float64, len(dims))
	for i, d := range dims {
		sizes[i] = [2]float64{d.Width, d.Height}
	}

	return &pdfDocument{ctx: pdfCtx, sizes: sizes, pageCount: pdfCtx.PageCount, backend: o.backend}, nil
}

type pdfDocument struct {
	mu        sync.Mutex
	ctx       *model.Context
	sizes     [][2]float64
	pageCount int
	backend   imaging.Backend
}

func (d *pdfDocument) PageCount() int {
	return d.pageCount
}

func (d *pdfDocument) PageSize(pageNum int) (float64, float64, error) {
	if pageNum < 1 || pageNum > d.pageCount || pageNum > len(d.sizes) {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, pageNum, d.pageCount)
	}
	s := d.sizes[pageNum-1]
	return s[0], s[1], nil
}

// Render paints the page's largest decodable image onto a white canvas
func (d *pdfDocument) Render(ctx context.Context, pageNum int, width, height, scale float64) (img *imaging.RawImage, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageNum < 1 || pageNum > d.pageCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, pageNum, d.pageCount)
	}

	w, h := CanvasSize(width, height, scale)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("page %d has no area (%.1fx%.1f pt)", pageNum, width, height)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil, errors.New("document is closed")
	}

	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("page %d image extraction panicked: %v", pageNum, r)
		}
	}()

	images, err := pdfcpu.ExtractPageImages(d.ctx, pageNum, false)
	if err != nil {
		return nil, fmt.Errorf("page %d image extraction failed: %w", pageNum, err)
	}

	best := d.largestImage(images)
	if best == nil {
		return imaging.NewRawImage(w, h), nil
	}
	defer best.Release()

	return imaging.ScaleTo(best.NRGBA(), w, h), nil
}

// largestImage decodes page images in order of pixel area and returns the
// first that decodes
func (d *pdfDocument) largestImage(images map[int]model.Image) *imaging.RawImage {
	candidates := make([]model.Image, 0, len(images))
	for _, im := range images {
		if im.Reader == nil || im.IsImgMask || im.Thumb {
			continue
		}
		candidates = append(candidates, im)
	}

	for len(candidates) > 0 {
		bi := 0
		for i, c := range candidates {
			a, b := c.Width*c.Height, candidates[bi].Width*candidates[bi].Height
			if a > b || (a == b && c.ObjNr < candidates[bi].ObjNr) {
				bi = i
			}
		}
		c := candidates[bi]
		candidates = append(candidates[:bi], candidates[bi+1:]...)

		data, err := io.ReadAll(c.Reader)
		if err != nil || len(data) == 0 {
			continue
		}
		raw, err := d.backend.Decode(data)
		if err != nil {
			continue
		}
		return raw
	}
	return nil
}

func (d *pdfDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = nil
	return nil
}

// CanvasSize converts a page size in points to pixels, shrinking
// proportionally so neither side exceeds MaxRenderSide
func CanvasSize(width, height, scale float64) (int, int) {
	w := math.Round(width * scale)
	h := math.Round(height * scale)
	if w <= 0 || h <= 0 || math.IsNaN(w) || math.IsNaN(h) {
		return 0, 0
	}
	if longest := math.Max(w, h); longest > MaxRenderSide {
		f := MaxRenderSide / longest
		w = math.Max(1, math.Floor(w*f))
		h = math.Max(1, math.Floor(h*f))
	}
	return int(w), int(h)
}
