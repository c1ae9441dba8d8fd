/**
 * OCR Types - Result shape returned by every entry point
 *
 * LocalOCRResult is always populated. Failures are a zero-valued result
 * whose Engine field carries one of the diagnostic tags below.
 */

package processor

import (
	"time"

	"github.com/adverant/nexus/ocr-worker/internal/pipeline"
)

// Engine tags
const (
	EngineLocal                   = "tesseract-local"
	EngineNoWorkerSupport         = "tesseract-no-worker-support"
	EngineFileTooLarge            = "tesseract-file-too-large"
	EnginePDFOpenFailed           = "tesseract-pdf-open-failed"
	EngineImageBase64Invalid      = "tesseract-image-base64-invalid"
	EngineImageDecodeFailed       = "tesseract-image-decode-failed"
	EngineImageBlank              = "tesseract-image-blank"
	EngineImageOCRFailed          = "tesseract-image-ocr-failed"
	EngineUnknownPDFProbeFailed   = "tesseract-unknown-pdf-probe-failed"
	EngineUnknownImageProbeFailed = "tesseract-unknown-image-probe-failed"
	EngineRouterFailed            = "tesseract-ocr-router-failed"
)

// unknownProbeMinText is how much text a PDF probe must yield before the
// image probe is skipped
const unknownProbeMinText = 20

// LocalOCRResult is the outcome of one OCR invocation
type LocalOCRResult struct {
	Text              string            `json:"text"`
	PageCount         int               `json:"pageCount"`
	PagesOCRd         int               `json:"pagesOcrd"`
	Confidence        float64           `json:"confidence"`
	Engine            string            `json:"engine"`
	DurationMs        int64             `json:"durationMs"`
	PerPageConfidence []float64         `json:"perPageConfidence"`
	Metrics           *pipeline.Metrics `json:"metrics,omitempty"`
}

// Failed reports whether the result carries a diagnostic tag
func (r LocalOCRResult) Failed() bool {
	return r.Engine != EngineLocal
}

func failedResult(tag string, pageCount int, start time.Time) LocalOCRResult {
	return LocalOCRResult{
		PageCount:         pageCount,
		Engine:            tag,
		DurationMs:        time.Since(start).Milliseconds(),
		PerPageConfidence: []float64{},
	}
}

func fromDocument(doc *pipeline.DocumentResult, start time.Time) LocalOCRResult {
	metrics := doc.Metrics
	return LocalOCRResult{
		Text:              doc.Text,
		PageCount:         doc.PageCount,
		PagesOCRd:         doc.PagesOCRd,
		Confidence:        doc.Confidence,
		Engine:            EngineLocal,
		DurationMs:        time.Since(start).Milliseconds(),
		PerPageConfidence: doc.PerPageConfidence,
		Metrics:           &metrics,
	}
}
