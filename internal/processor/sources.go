package processor

import (
	"context"
	"fmt"

	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/pdfsource"
)

// pdfPages renders PDF pages at a fixed scale
type pdfPages struct {
	doc   pdfsource.Document
	scale float64
}

func (s *pdfPages) PageCount() int {
	return s.doc.PageCount()
}

func (s *pdfPages) RenderPage(ctx context.Context, pageNum int) (*imaging.RawImage, error) {
	w, h, err := s.doc.PageSize(pageNum)
	if err != nil {
		return nil, err
	}
	return s.doc.Render(ctx, pageNum, w, h, s.scale)
}

// singleImage is a decoded image presented as a one-page document. The
// bitmap is handed to the pipeline once, which then owns and releases it.
type singleImage struct {
	img *imaging.RawImage
}

func (s *singleImage) PageCount() int {
	return 1
}

func (s *singleImage) RenderPage(_ context.Context, pageNum int) (*imaging.RawImage, error) {
	if pageNum != 1 {
		return nil, fmt.Errorf("%w: %d of 1", pdfsource.ErrPageOutOfRange, pageNum)
	}
	if s.img == nil {
		return nil, fmt.Errorf("page 1 was already rendered")
	}
	img := s.img
	s.img = nil
	return img, nil
}

// release drops the bitmap if the pipeline never took it
func (s *singleImage) release() {
	s.img.Release()
	s.img = nil
}
