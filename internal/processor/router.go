/**
 * Unified OCR entry points
 *
 * Every function here returns a populated LocalOCRResult and never panics.
 * Payloads are routed by the sniffer: PDFs go through the page source,
 * images are decoded once, and anything ambiguous is probed as a PDF first
 * and as an image second.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/pipeline"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
	"github.com/adverant/nexus/ocr-worker/internal/sniff"
)

// OCRFromDataURL recognizes a data URL or bare base64 payload. mimeHint is
// used only when the payload has no data URL header; magic bytes override
// both. progress may be nil.
func (p *DocumentProcessor) OCRFromDataURL(ctx context.Context, payload, mimeHint string, progress chan<- pipeline.ProgressEvent) (res LocalOCRResult) {
	start := time.Now()
	defer p.recoverInto(&res, "OCRFromDataURL", start)

	if len(payload) > p.cfg.OCR.MaxBase64Length {
		p.logger.Warn("Payload exceeds size limit", "length", len(payload), "limit", p.cfg.OCR.MaxBase64Length)
		return failedResult(EngineFileTooLarge, 0, start)
	}

	s := sniff.Sniff(payload, mimeHint)
	p.logger.Debug("Payload sniffed", "kind", string(s.Kind), "declared", s.DeclaredMime, "detected", s.DetectedMime)

	if s.DetectedMime != "" && s.DeclaredMime != "" && s.DetectedMime != s.DeclaredMime {
		p.logger.Info("Corrected MIME type from magic bytes", "declared", s.DeclaredMime, "detected", s.DetectedMime)
	}

	if s.Kind == sniff.KindInvalid {
		return failedResult(invalidPayloadTag(s), 0, start)
	}

	data, err := s.Decode()
	if err != nil {
		p.logger.Warn("Payload decode failed", "error", err)
		return failedResult(invalidPayloadTag(s), 0, start)
	}

	switch s.Kind {
	case sniff.KindPDF:
		return p.ocrPDF(ctx, data, progress, start)
	case sniff.KindImage:
		return p.ocrImage(ctx, data, progress, start)
	default:
		return p.probeUnknown(ctx, data, progress, start)
	}
}

// OCRPDFFromBase64 recognizes a base64 PDF. A data URL header is accepted
// and ignored.
func (p *DocumentProcessor) OCRPDFFromBase64(ctx context.Context, b64 string, progress chan<- pipeline.ProgressEvent) (res LocalOCRResult) {
	start := time.Now()
	defer p.recoverInto(&res, "OCRPDFFromBase64", start)

	if len(b64) > p.cfg.OCR.MaxBase64Length {
		return failedResult(EngineFileTooLarge, 0, start)
	}

	_, body, _ := sniff.SplitDataURL(b64)
	data, err := sniff.DecodeBase64(body)
	if err != nil {
		p.logger.Warn("PDF payload is not valid base64", "error", err)
		return failedResult(EnginePDFOpenFailed, 0, start)
	}
	return p.ocrPDF(ctx, data, progress, start)
}

// OCRImageFromBase64 recognizes a single base64 image
func (p *DocumentProcessor) OCRImageFromBase64(ctx context.Context, b64, mimeType string) (res LocalOCRResult) {
	start := time.Now()
	defer p.recoverInto(&res, "OCRImageFromBase64", start)

	if len(b64) > p.cfg.OCR.MaxBase64Length {
		return failedResult(EngineFileTooLarge, 0, start)
	}

	_, body, _ := sniff.SplitDataURL(b64)
	data, err := sniff.DecodeBase64(body)
	if err != nil {
		p.logger.Warn("Image payload is not valid base64", "mime", mimeType, "error", err)
		return failedResult(EngineImageBase64Invalid, 0, start)
	}
	return p.ocrImage(ctx, data, nil, start)
}

// TerminateEngine releases the shared recognition engine. The next OCR
// call creates a fresh one.
func (p *DocumentProcessor) TerminateEngine() error {
	if err := p.handle.Shutdown(); err != nil {
		p.logger.Error("Engine termination failed", "error", err)
		return err
	}
	return nil
}

func (p *DocumentProcessor) ocrPDF(ctx context.Context, data []byte, progress chan<- pipeline.ProgressEvent, start time.Time) LocalOCRResult {
	doc, err := p.opener.Open(ctx, data)
	if err != nil {
		p.logger.Warn("PDF open failed", "bytes", len(data), "error", err)
		return failedResult(EnginePDFOpenFailed, 0, start)
	}
	defer doc.Close()

	src := &pdfPages{doc: doc, scale: p.cfg.OCR.RenderScale}
	result, err := p.orchestrator.Run(ctx, src, progress)
	if err != nil {
		p.logger.Warn("PDF recognition failed", "pages", src.PageCount(), "error", err)
		return failedResult(runFailureTag(err, EngineRouterFailed), 0, start)
	}
	return fromDocument(result, start)
}

func (p *DocumentProcessor) ocrImage(ctx context.Context, data []byte, progress chan<- pipeline.ProgressEvent, start time.Time) LocalOCRResult {
	raw, err := p.backend.Decode(data)
	if err != nil {
		if errors.Is(err, imaging.ErrEmptyImage) {
			return failedResult(EngineImageBlank, 1, start)
		}
		p.logger.Warn("Image decode failed", "backend", p.backend.Name(), "error", err)
		return failedResult(EngineImageDecodeFailed, 0, start)
	}

	src := &singleImage{img: raw}
	result, err := p.orchestrator.Run(ctx, src, progress)
	src.release()
	if err != nil {
		return failedResult(runFailureTag(err, EngineImageOCRFailed), 1, start)
	}

	if len(result.Outcomes) == 1 && result.Outcomes[0].Err != nil {
		return failedResult(EngineImageOCRFailed, 1, start)
	}
	return fromDocument(result, start)
}

// probeUnknown tries the payload as a PDF, then as an image. A PDF probe
// with enough text wins outright; otherwise any successful image result is
// preferred over a thin PDF result.
func (p *DocumentProcessor) probeUnknown(ctx context.Context, data []byte, progress chan<- pipeline.ProgressEvent, start time.Time) LocalOCRResult {
	asPDF := p.guarded("pdf probe", start, func() LocalOCRResult {
		return p.ocrPDF(ctx, data, progress, start)
	})
	if !asPDF.Failed() && pipeline.TextLength(asPDF.Text) >= unknownProbeMinText {
		return asPDF
	}

	asImage := p.guarded("image probe", start, func() LocalOCRResult {
		return p.ocrImage(ctx, data, progress, start)
	})
	if !asImage.Failed() {
		return asImage
	}
	if !asPDF.Failed() {
		return asPDF
	}

	p.logger.Warn("Unknown payload matched neither PDF nor image", "pdf", asPDF.Engine, "image", asImage.Engine)
	if asImage.Engine == EngineImageDecodeFailed {
		return failedResult(EngineUnknownPDFProbeFailed, 0, start)
	}
	return failedResult(EngineUnknownImageProbeFailed, 0, start)
}

func (p *DocumentProcessor) guarded(name string, start time.Time, fn func() LocalOCRResult) (res LocalOCRResult) {
	defer p.recoverInto(&res, name, start)
	return fn()
}

func (p *DocumentProcessor) recoverInto(res *LocalOCRResult, where string, start time.Time) {
	if r := recover(); r != nil {
		p.logger.Error("Recovered panic in OCR entry point", "where", where, "panic", fmt.Sprint(r))
		*res = failedResult(EngineRouterFailed, 0, start)
	}
}

func invalidPayloadTag(s sniff.Result) string {
	if s.DeclaredKind() == sniff.KindPDF {
		return EnginePDFOpenFailed
	}
	return EngineImageBase64Invalid
}

func runFailureTag(err error, fallback string) string {
	if errors.Is(err, recognizer.ErrEngineUnavailable) {
		return EngineNoWorkerSupport
	}
	return fallback
}
