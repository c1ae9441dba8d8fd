/**
 * Document OCR orchestrator
 *
 * Drives classify → preprocess → recognize → (retry) → postprocess for every
 * page within the page and document budgets, and aggregates the metrics.
 * Page failures are recorded on the page and never abort the run; the
 * shared engine is never released here.
 */

package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/postprocess"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
)

// Orchestrator runs documents through the page pipeline
type Orchestrator struct {
	handle *recognizer.Handle
	opts   Options
	logger *logging.Logger
	inst   *instruments
}

// New creates an orchestrator that acquires its engine from handle
func New(handle *recognizer.Handle, opts Options, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	defaults := DefaultOptions()
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaults.MaxPages
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = defaults.PageTimeout
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = defaults.TotalTimeout
	}
	if opts.PageConcurrency <= 0 {
		opts.PageConcurrency = 1
	}

	inst, err := defaultInstruments()
	if err != nil {
		logger.Warn("Pipeline metrics disabled", "error", err)
	}

	return &Orchestrator{handle: handle, opts: opts, logger: logger, inst: inst}
}

// Options returns the effective run options
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Run processes up to MaxPages pages of src. The only error it returns is
// a failure to acquire the engine; everything page-level is recorded in
// the result. progress may be nil; sends never block and the channel is
// not closed.
func (o *Orchestrator) Run(ctx context.Context, src PageSource, progress chan<- ProgressEvent) (*DocumentResult, error) {
	start := time.Now()

	engine, err := o.handle.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	total := src.PageCount()
	limit := min(total, o.opts.MaxPages)
	result := &DocumentResult{PageCount: total, Truncated: total > limit}
	if result.Truncated {
		o.logger.Warn("Page limit reached, truncating document", "pages", total, "limit", limit)
	}

	emit := func(stage Stage, pageNum int) {
		if progress == nil {
			return
		}
		select {
		case progress <- ProgressEvent{Stage: stage, PageNum: pageNum, TotalPages: limit}:
		default:
		}
	}

	budgetSpent := func() bool {
		return time.Since(start) >= o.opts.TotalTimeout || ctx.Err() != nil
	}

	outcomes := make([]PageOutcome, limit)
	started := 0
	if o.opts.PageConcurrency > 1 && limit > 1 {
		started = o.runPooled(ctx, engine, src, outcomes, budgetSpent, emit)
	} else {
		for i := 0; i < limit; i++ {
			if budgetSpent() {
				break
			}
			outcomes[i] = o.processPage(ctx, engine, src, i+1, emit)
			started++
		}
	}

	if started < limit {
		result.DeadlineReached = true
		o.logger.Warn("Document budget exhausted, keeping processed pages",
			"processed", started, "limit", limit, "elapsed", time.Since(start).String())
	}

	o.aggregate(result, outcomes[:started], engine.Version(), start)
	o.inst.document(ctx, result.Duration, result.PagesOCRd)

	o.logger.Info("Document OCR complete",
		"pages", result.PageCount,
		"processed", result.PagesOCRd,
		"skipped", result.Metrics.SkippedPages,
		"failed", result.Metrics.FailedPages,
		"retried", result.Metrics.RetriedPages,
		"confidence", result.Confidence,
		"durationMs", result.Metrics.TotalMs)

	return result, nil
}

// runPooled processes pages on an ants pool. The budget is checked in page
// order before each submission, so processed pages always form a prefix.
func (o *Orchestrator) runPooled(
	ctx context.Context,
	engine recognizer.Engine,
	src PageSource,
	outcomes []PageOutcome,
	budgetSpent func() bool,
	emit func(Stage, int),
) int {
	pool, err := ants.NewPool(o.opts.PageConcurrency)
	if err != nil {
		o.logger.Warn("Page pool unavailable, processing sequentially", "error", err)
		started := 0
		for i := range outcomes {
			if budgetSpent() {
				break
			}
			outcomes[i] = o.processPage(ctx, engine, src, i+1, emit)
			started++
		}
		return started
	}
	defer pool.Release()

	done := make(chan struct{}, len(outcomes))
	started := 0
	for i := range outcomes {
		if budgetSpent() {
			break
		}
		idx := i
		if err := pool.Submit(func() {
			defer func() { done <- struct{}{} }()
			outcomes[idx] = o.processPage(ctx, engine, src, idx+1, emit)
		}); err != nil {
			o.logger.Error("Failed to schedule page", "page", idx+1, "error", err)
			break
		}
		started++
	}

	for i := 0; i < started; i++ {
		<-done
	}
	return started
}

// processPage runs one page through every stage. It never panics.
func (o *Orchestrator) processPage(
	ctx context.Context,
	engine recognizer.Engine,
	src PageSource,
	pageNum int,
	emit func(Stage, int),
) (out PageOutcome) {
	out.PageNum = pageNum
	stage := ocrerrors.StageRender

	defer func() {
		if r := recover(); r != nil {
			out.Err = ocrerrors.NewPagePanicError(pageNum, stage, r)
			out.Accepted = false
			out.Text = ""
		}
		o.recordPage(ctx, &out)
	}()

	emit(StageRendering, pageNum)
	raw, err := src.RenderPage(ctx, pageNum)
	if err != nil {
		out.Err = ocrerrors.NewRenderError(pageNum, err)
		return out
	}
	defer raw.Release()

	stage = ocrerrors.StageClassify
	cls, err := imaging.Classify(raw)
	if err != nil {
		out.Err = ocrerrors.NewClassifyError(pageNum, err)
		return out
	}
	out.Classification = cls
	if cls.PageType == imaging.PageBlank {
		out.Skipped = true
		return out
	}

	stage = ocrerrors.StagePreprocess
	emit(StagePreprocessing, pageNum)
	first, err := o.preprocess(raw, false, &out.Timings)
	if err != nil {
		out.Err = ocrerrors.NewPreprocessError(pageNum, err)
		return out
	}

	stage = ocrerrors.StageRecognize
	emit(StageRecognizing, pageNum)
	res, err := o.recognize(ctx, engine, first, pageNum, &out.Timings)
	first.Release()
	if err != nil {
		out.Err = err
		return out
	}
	out.Recognition = &res

	if ShouldRetry(res, o.opts.MinConfidence, o.opts.RetryThreshold) {
		out.WasRetried = true
		if retry, ok := o.retry(ctx, engine, raw, pageNum, &out.Timings, emit, &stage); ok && AcceptRetry(res, retry) {
			o.logger.Debug("Retry improved page", "page", pageNum,
				"firstConfidence", res.Confidence, "retryConfidence", retry.Confidence)
			out.Recognition = &retry
		}
	}

	final := *out.Recognition
	if !IsAccepted(final, o.opts.MinConfidence) {
		return out
	}

	stage = ocrerrors.StagePostprocess
	emit(StagePostprocessing, pageNum)
	ppStart := time.Now()
	pp, err := postprocess.Process(final.Text)
	out.Timings.Postprocess += time.Since(ppStart)
	if err != nil {
		out.Err = ocrerrors.NewPostprocessError(pageNum, err)
		return out
	}

	out.Accepted = true
	out.Text = pp.Text
	out.Language = pp.Language
	return out
}

// retry runs the enhanced pass. Any failure keeps the first result.
func (o *Orchestrator) retry(
	ctx context.Context,
	engine recognizer.Engine,
	raw *imaging.RawImage,
	pageNum int,
	timings *PageTimings,
	emit func(Stage, int),
	stage *ocrerrors.Stage,
) (recognizer.Result, bool) {
	*stage = ocrerrors.StagePreprocess
	emit(StagePreprocessing, pageNum)
	enhanced, err := o.preprocess(raw, true, timings)
	if err != nil {
		o.logger.Debug("Retry preprocessing failed, keeping first pass", "page", pageNum, "error", err)
		return recognizer.Result{}, false
	}
	defer enhanced.Release()

	*stage = ocrerrors.StageRecognize
	emit(StageRecognizing, pageNum)
	res, err := o.recognize(ctx, engine, enhanced, pageNum, timings)
	if err != nil {
		o.logger.Debug("Retry recognition failed, keeping first pass", "page", pageNum, "error", err)
		return recognizer.Result{}, false
	}
	return res, true
}

func (o *Orchestrator) preprocess(raw *imaging.RawImage, enhanced bool, timings *PageTimings) (*imaging.RawImage, error) {
	start := time.Now()
	defer func() { timings.Preprocess += time.Since(start) }()
	return imaging.Preprocess(raw, enhanced)
}

func (o *Orchestrator) recognize(
	ctx context.Context,
	engine recognizer.Engine,
	img *imaging.RawImage,
	pageNum int,
	timings *PageTimings,
) (recognizer.Result, error) {
	start := time.Now()
	defer func() { timings.Recognize += time.Since(start) }()

	res, err := RecognizeWithTimeout(ctx, engine, img, pageNum, o.opts.PageTimeout)
	if err != nil {
		return recognizer.Result{}, err
	}
	res.Text = strings.TrimSpace(res.Text)
	return res, nil
}

// RecognizeWithTimeout races the engine call against the page timer. On
// timeout the call is abandoned, not aborted: its late result is dropped
// and the engine stays usable.
func RecognizeWithTimeout(
	ctx context.Context,
	engine recognizer.Engine,
	img *imaging.RawImage,
	pageNum int,
	timeout time.Duration,
) (recognizer.Result, error) {
	type outcome struct {
		res recognizer.Result
		err error
	}
	ch := make(chan outcome, 1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: ocrerrors.NewPagePanicError(pageNum, ocrerrors.StageRecognize, r)}
			}
		}()
		res, err := engine.Recognize(callCtx, img)
		ch <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		if o.err == nil {
			return o.res, nil
		}
		var se *ocrerrors.StageError
		if errors.As(o.err, &se) {
			return recognizer.Result{}, o.err
		}
		if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return recognizer.Result{}, ocrerrors.NewRecognitionTimeoutError(pageNum, timeout)
		}
		return recognizer.Result{}, ocrerrors.NewRecognitionError(pageNum, o.err)
	case <-timer.C:
		return recognizer.Result{}, ocrerrors.NewRecognitionTimeoutError(pageNum, timeout)
	case <-ctx.Done():
		return recognizer.Result{}, ocrerrors.NewRecognitionError(pageNum, ctx.Err())
	}
}

// recordPage logs failures once and counts the page outcome
func (o *Orchestrator) recordPage(ctx context.Context, out *PageOutcome) {
	var outcome string
	switch {
	case out.Skipped:
		outcome = outcomeSkipped
	case out.Accepted:
		outcome = outcomeAccepted
	case ocrerrors.CodeOf(out.Err) == ocrerrors.ErrorRecognitionTimeout:
		outcome = outcomeTimeout
	case out.Err != nil:
		outcome = outcomeFailed
	default:
		outcome = outcomeRejected
	}
	o.inst.page(ctx, outcome)

	if out.Err != nil {
		var se *ocrerrors.StageError
		if errors.As(out.Err, &se) {
			o.logger.Warn("Page failed", "page", se.Page, "stage", string(se.Stage), "code", string(se.Code), "error", se.Cause)
		} else {
			o.logger.Warn("Page failed", "page", out.PageNum, "error", out.Err)
		}
		return
	}
	o.logger.Debug("Page processed", "page", out.PageNum, "type", string(out.Classification.PageType),
		"confidence", out.Confidence(), "retried", out.WasRetried, "outcome", outcome)
}

// aggregate fills the document-level fields from the processed pages
func (o *Orchestrator) aggregate(result *DocumentResult, outcomes []PageOutcome, engineVersion string, start time.Time) {
	m := Metrics{
		TotalPages:          result.PageCount,
		EngineVersion:       engineVersion,
		PageClassifications: make([]imaging.PageClassification, 0, len(outcomes)),
		Pages:               make([]PageSummary, 0, len(outcomes)),
	}

	var (
		texts   []string
		sum     float64
		counted int
		timings PageTimings
	)
	perPage := make([]float64, 0, len(outcomes))
	minC, maxC := math.Inf(1), math.Inf(-1)

	for _, p := range outcomes {
		conf := p.Confidence()
		perPage = append(perPage, conf)
		m.PageClassifications = append(m.PageClassifications, p.Classification)

		summary := PageSummary{
			PageNum:    p.PageNum,
			PageType:   p.Classification.PageType,
			Confidence: conf,
			Retried:    p.WasRetried,
			Accepted:   p.Accepted,
		}
		if p.Err != nil {
			summary.Error = p.Err.Error()
		}
		m.Pages = append(m.Pages, summary)

		switch {
		case p.Skipped:
			m.SkippedPages++
		case !p.Accepted:
			m.FailedPages++
		}
		if p.Recognition != nil {
			m.OCRPages++
		}
		if p.WasRetried {
			m.RetriedPages++
		}

		if conf > 0 {
			sum += conf
			counted++
			minC = math.Min(minC, conf)
			maxC = math.Max(maxC, conf)
		}

		timings.Preprocess += p.Timings.Preprocess
		timings.Recognize += p.Timings.Recognize
		timings.Postprocess += p.Timings.Postprocess

		if p.Accepted && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}

	if counted > 0 {
		m.AvgConfidence = sum / float64(counted)
		m.MinConfidence = minC
		m.MaxConfidence = maxC
	}

	m.PreProcessingMs = timings.Preprocess.Milliseconds()
	m.OCRMs = timings.Recognize.Milliseconds()
	m.PostProcessingMs = timings.Postprocess.Milliseconds()

	result.Text = strings.Join(texts, "\n\n")
	m.DetectedLanguage = postprocess.DetectLanguage(result.Text)

	result.Duration = time.Since(start)
	m.TotalMs = result.Duration.Milliseconds()

	result.PagesOCRd = len(outcomes)
	result.Confidence = math.Round(m.AvgConfidence)
	result.PerPageConfidence = perPage
	result.Outcomes = outcomes
	result.Metrics = m
}
