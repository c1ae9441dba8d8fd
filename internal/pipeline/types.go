package pipeline

import (
	"context"
	"time"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/postprocess"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
)

// Options are the budgets and gates of one run
type Options struct {
	MaxPages        int
	PageTimeout     time.Duration
	TotalTimeout    time.Duration
	MinConfidence   float64
	RetryThreshold  float64
	PageConcurrency int
}

// OptionsFromConfig maps the worker configuration onto run options
func OptionsFromConfig(c config.OCRConfig) Options {
	return Options{
		MaxPages:        c.MaxPages,
		PageTimeout:     c.PageTimeout(),
		TotalTimeout:    c.TotalTimeout(),
		MinConfidence:   c.MinConfidence,
		RetryThreshold:  c.RetryConfidenceThreshold,
		PageConcurrency: c.PageConcurrency,
	}
}

// DefaultOptions uses the documented constants
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultOCRConfig())
}

// PageSource supplies rendered pages. Page numbers are 1-based.
type PageSource interface {
	PageCount() int
	RenderPage(ctx context.Context, pageNum int) (*imaging.RawImage, error)
}

// Stage names a progress step
type Stage string

const (
	StageRendering      Stage = "rendering"
	StagePreprocessing  Stage = "preprocessing"
	StageRecognizing    Stage = "recognizing"
	StagePostprocessing Stage = "postprocessing"
)

// ProgressEvent reports that a page entered a stage
type ProgressEvent struct {
	Stage      Stage `json:"stage"`
	PageNum    int   `json:"pageNum"`
	TotalPages int   `json:"totalPages"`
}

// PageOutcome is the final state of one processed page
type PageOutcome struct {
	PageNum        int
	Classification imaging.PageClassification
	Recognition    *recognizer.Result
	WasRetried     bool
	Accepted       bool
	Skipped        bool
	Text           string
	Language       postprocess.Language
	Timings        PageTimings
	Err            error
}

// PageTimings accumulate every attempt on a page
type PageTimings struct {
	Preprocess  time.Duration
	Recognize   time.Duration
	Postprocess time.Duration
}

// Confidence is the page's entry in the per-page confidence list
func (p PageOutcome) Confidence() float64 {
	if p.Recognition == nil {
		return 0
	}
	return p.Recognition.Confidence
}

// PageSummary is the serializable view of a PageOutcome
type PageSummary struct {
	PageNum    int              `json:"pageNum"`
	PageType   imaging.PageType `json:"pageType"`
	Confidence float64          `json:"confidence"`
	Retried    bool             `json:"retried"`
	Accepted   bool             `json:"accepted"`
	Error      string           `json:"error,omitempty"`
}

// Metrics aggregates one document run
type Metrics struct {
	TotalPages   int `json:"totalPages"`
	OCRPages     int `json:"ocrPages"`
	SkippedPages int `json:"skippedPages"`
	RetriedPages int `json:"retriedPages"`
	FailedPages  int `json:"failedPages"`

	AvgConfidence float64 `json:"avgConfidence"`
	MinConfidence float64 `json:"minConfidence"`
	MaxConfidence float64 `json:"maxConfidence"`

	PreProcessingMs  int64 `json:"preProcessingMs"`
	OCRMs            int64 `json:"ocrMs"`
	PostProcessingMs int64 `json:"postProcessingMs"`
	TotalMs          int64 `json:"totalMs"`

	EngineVersion       string                       `json:"engineVersion"`
	PageClassifications []imaging.PageClassification `json:"pageClassifications"`
	DetectedLanguage    postprocess.Language         `json:"detectedLanguage"`
	Pages               []PageSummary                `json:"pages"`
}

// DocumentResult is the outcome of Run
type DocumentResult struct {
	Text              string
	PageCount         int
	PagesOCRd         int
	Confidence        float64
	PerPageConfidence []float64
	Outcomes          []PageOutcome
	Metrics           Metrics
	Truncated         bool // page count exceeded MaxPages
	DeadlineReached   bool // stopped before the last page
	Duration          time.Duration
}
