/**
 * Document Processor for the OCR Worker
 *
 * Owns the shared recognition engine and runs OCR jobs end to end:
 * - payload loading (inline data URL, raw buffer, or download)
 * - sniffing and routing to the PDF or image path
 * - the page pipeline with confidence-gated retry
 * - result caching in Redis and persistence in PostgreSQL
 */

package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/pdfsource"
	"github.com/adverant/nexus/ocr-worker/internal/pipeline"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer/tesseract"
	"github.com/adverant/nexus/ocr-worker/internal/storage"
)

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ProcessorConfig holds processor configuration. Nil collaborators get
// their defaults: the software image backend, the pdfcpu opener and a
// Tesseract engine built from OCR.
type ProcessorConfig struct {
	OCR            config.OCRConfig
	MaxFileSize    int64
	StorageManager *storage.StorageManager
	Backend        imaging.Backend
	Opener         pdfsource.Opener
	EngineFactory  recognizer.Factory
	Logger         *logging.Logger
}

// ProcessRequest represents an OCR job
type ProcessRequest struct {
	JobID      string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	Payload    string // data URL or bare base64
	FileBuffer []byte
	Metadata   map[string]interface{}

	Progress chan<- pipeline.ProgressEvent
}

// ProcessResult represents the job outcome
type ProcessResult struct {
	ResultID         string
	Engine           string
	Confidence       float64
	PageCount        int
	PagesOCRd        int
	Cached           bool
	ProcessingTimeMs int64
	OCR              LocalOCRResult
}

// DocumentProcessor handles OCR processing
type DocumentProcessor struct {
	cfg          *ProcessorConfig
	handle       *recognizer.Handle
	orchestrator *pipeline.Orchestrator
	opener       pdfsource.Opener
	backend      imaging.Backend
	storage      *storage.StorageManager
	logger       *logging.Logger
	httpClient   *http.Client
}

// NewDocumentProcessor creates a new document processor. The engine is not
// created until the first OCR call.
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if err := cfg.OCR.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OCR configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("[Processor]")
	}

	backend := cfg.Backend
	if backend == nil {
		backend = imaging.NewSoftwareBackend()
	}

	opener := cfg.Opener
	if opener == nil {
		opener = pdfsource.NewOpener(backend)
	}

	factory := cfg.EngineFactory
	if factory == nil {
		factory = tesseract.Factory(tesseract.Config{
			Languages:      cfg.OCR.Languages,
			PoolSize:       cfg.OCR.EngineConcurrency,
			TessdataPrefix: cfg.OCR.TessdataPrefix,
		})
	}

	handle := recognizer.NewHandle(factory, logger.With("component", "engine"))
	orchestrator := pipeline.New(handle, pipeline.OptionsFromConfig(cfg.OCR), logger.With("component", "pipeline"))

	logger.Info("Document processor ready",
		"backend", backend.Name(),
		"languages", cfg.OCR.Languages,
		"maxPages", cfg.OCR.MaxPages,
		"pageConcurrency", cfg.OCR.PageConcurrency,
		"persistent", cfg.StorageManager.Persistent())

	return &DocumentProcessor{
		cfg:          cfg,
		handle:       handle,
		orchestrator: orchestrator,
		opener:       opener,
		backend:      backend,
		storage:      cfg.StorageManager,
		logger:       logger,
		httpClient:   &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

// ProcessDocument runs one job: load, OCR, cache, persist
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	log := p.logger.With("jobId", req.JobID)
	log.Info("Starting OCR job", "filename", req.Filename, "mime", req.MimeType)

	payload, err := p.loadPayload(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	hash := storage.PayloadHash(payload, req.MimeType)

	var cached LocalOCRResult
	if hit, err := p.storage.LookupCached(ctx, hash, &cached); err != nil {
		log.Warn("Result cache lookup failed", "error", err)
	} else if hit {
		log.Info("Serving cached OCR result", "hash", hash[:12], "confidence", cached.Confidence)
		return &ProcessResult{
			Engine:           cached.Engine,
			Confidence:       cached.Confidence,
			PageCount:        cached.PageCount,
			PagesOCRd:        cached.PagesOCRd,
			Cached:           true,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
			OCR:              cached,
		}, nil
	}

	res := p.OCRFromDataURL(ctx, payload, req.MimeType, req.Progress)
	if res.Failed() {
		log.Warn("OCR produced no usable result", "engine", res.Engine, "durationMs", res.DurationMs)
		if res.Engine == EngineUnknownPDFProbeFailed || res.Engine == EngineUnknownImageProbeFailed {
			return nil, ocrerrors.NewUnsupportedFormatError(req.JobID, req.MimeType)
		}
		return nil, ocrerrors.NewOCRFailedError(req.JobID, res.Engine)
	}

	if err := ctx.Err(); err != nil {
		return nil, ocrerrors.NewProcessingTimeoutError(req.JobID, time.Since(start), err)
	}

	rec, err := p.resultRecord(req, hash, res)
	if err != nil {
		return nil, ocrerrors.NewStorageFailedError(req.JobID, err)
	}

	resultID, err := p.storage.StoreResult(ctx, rec)
	if err != nil {
		return nil, ocrerrors.NewStorageFailedError(req.JobID, err)
	}

	if err := p.storage.CacheResult(ctx, hash, res); err != nil {
		log.Warn("Failed to cache OCR result", "error", err)
	}

	log.Info("OCR job complete",
		"resultId", resultID,
		"pages", res.PageCount,
		"pagesOcrd", res.PagesOCRd,
		"confidence", res.Confidence,
		"durationMs", res.DurationMs)

	return &ProcessResult{
		ResultID:         resultID,
		Engine:           res.Engine,
		Confidence:       res.Confidence,
		PageCount:        res.PageCount,
		PagesOCRd:        res.PagesOCRd,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		OCR:              res,
	}, nil
}

func (p *DocumentProcessor) resultRecord(req *ProcessRequest, hash string, res LocalOCRResult) (*storage.ResultRecord, error) {
	var metrics json.RawMessage
	if res.Metrics != nil {
		data, err := json.Marshal(res.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metrics = data
	}

	return &storage.ResultRecord{
		JobID:             req.JobID,
		PayloadHash:       hash,
		Text:              res.Text,
		PageCount:         res.PageCount,
		PagesOCRd:         res.PagesOCRd,
		Confidence:        res.Confidence,
		Engine:            res.Engine,
		DurationMs:        res.DurationMs,
		PerPageConfidence: res.PerPageConfidence,
		Metrics:           metrics,
	}, nil
}

// UpdateJobStatus updates job status in the database
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if resultID, ok := metadata["resultId"].(string); ok {
			update.ResultID = resultID
		}
		if engine, ok := metadata["engine"].(string); ok {
			update.Engine = engine
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			if code, ok := metadata["errorCode"].(string); ok {
				update.ErrorCode = code
			}
			update.ErrorMessage = errorMsg
		}
		metadata["progress"] = progress
	}

	return p.storage.UpdateJobStatus(ctx, update)
}

// loadPayload returns the job's payload as a data URL or bare base64
func (p *DocumentProcessor) loadPayload(ctx context.Context, req *ProcessRequest) (string, error) {
	if req.Payload != "" {
		p.logger.Debug("Using inline payload", "jobId", req.JobID, "length", len(req.Payload))
		return req.Payload, nil
	}

	if len(req.FileBuffer) > 0 {
		p.logger.Debug("Using file buffer", "jobId", req.JobID, "bytes", len(req.FileBuffer))
		return base64.StdEncoding.EncodeToString(req.FileBuffer), nil
	}

	if req.FileURL != "" {
		p.logger.Info("Downloading file", "jobId", req.JobID, "url", req.FileURL, "fileSize", req.FileSize)
		data, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
		if err != nil {
			return "", fmt.Errorf("failed to download file: %w", err)
		}
		return base64.StdEncoding.EncodeToString(data), nil
	}

	return "", fmt.Errorf("no file source provided (payload, buffer or URL)")
}

// downloadFileFromURL downloads a file with exponential backoff between
// attempts
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	const (
		maxRetries       = 5
		initialBackoffMs = 1000
		maxBackoffMs     = 32000
	)

	// base64 grows data by 4/3, so larger files could never pass the payload limit
	maxReadBytes := int64(p.cfg.OCR.MaxBase64Length) / 4 * 3
	if p.cfg.MaxFileSize > 0 && p.cfg.MaxFileSize < maxReadBytes {
		maxReadBytes = p.cfg.MaxFileSize
	}

	backoff := func(attempt int) error {
		backoffMs := initialBackoffMs * int(math.Pow(2, float64(attempt-1)))
		if backoffMs > maxBackoffMs {
			backoffMs = maxBackoffMs
		}
		p.logger.Debug("Retrying download", "jobId", jobID, "backoffMs", backoffMs)
		select {
		case <-time.After(time.Duration(backoffMs) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, retryable, err := p.fetch(ctx, fileURL, expectedSize, maxReadBytes)
		if err == nil {
			p.logger.Info("Download complete", "jobId", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}

		lastErr = err
		p.logger.Warn("Download attempt failed", "jobId", jobID, "attempt", attempt, "error", err)
		if !retryable {
			return nil, err
		}
		if attempt < maxRetries {
			if err := backoff(attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

func (p *DocumentProcessor) fetch(ctx context.Context, fileURL string, expectedSize, maxReadBytes int64) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		p.logger.Warn("Content-Length mismatch", "expected", expectedSize, "got", resp.ContentLength)
	}

	if resp.ContentLength > maxReadBytes {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, maxReadBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > maxReadBytes {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", maxReadBytes)
	}
	return data, true, nil
}
