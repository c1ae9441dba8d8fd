package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
)

// Pages are told apart by width: page n is baseWidth+n pixels wide, and
// preprocessing keeps dimensions.
const baseWidth = 100

type fakeEngine struct {
	mu         sync.Mutex
	calls      map[int]int
	respond    func(page, call int) (recognizer.Result, error)
	delay      func(page int) time.Duration
	terminated atomic.Bool
}

func newFakeEngine(respond func(page, call int) (recognizer.Result, error)) *fakeEngine {
	return &fakeEngine{calls: make(map[int]int), respond: respond}
}

func (e *fakeEngine) Recognize(_ context.Context, img *imaging.RawImage) (recognizer.Result, error) {
	page := img.Width - baseWidth
	e.mu.Lock()
	e.calls[page]++
	call := e.calls[page]
	e.mu.Unlock()

	if e.delay != nil {
		time.Sleep(e.delay(page))
	}
	return e.respond(page, call)
}

func (e *fakeEngine) Version() string { return "fake-1.0" }

func (e *fakeEngine) Terminate() error {
	e.terminated.Store(true)
	return nil
}

func (e *fakeEngine) callsFor(page int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[page]
}

type fakeSource struct {
	pages   int
	blank   map[int]bool
	failing map[int]bool
}

func (s *fakeSource) PageCount() int { return s.pages }

func (s *fakeSource) RenderPage(_ context.Context, pageNum int) (*imaging.RawImage, error) {
	if s.failing[pageNum] {
		return nil, errors.New("broken page")
	}
	img := imaging.NewRawImage(baseWidth+pageNum, 40)
	if s.blank[pageNum] {
		return img, nil
	}
	for y := 16; y < 24; y++ {
		for x := 0; x < img.Width; x++ {
			i := (y*img.Width + x) * 4
			img.Pix[i], img.Pix[i+1], img.Pix[i+2] = 0, 0, 0
		}
	}
	return img, nil
}

func fixed(text string, confidence float64) func(int, int) (recognizer.Result, error) {
	return func(page, _ int) (recognizer.Result, error) {
		return recognizer.Result{Text: fmt.Sprintf("%s %d", text, page), Confidence: confidence}, nil
	}
}

func newTestOrchestrator(engine recognizer.Engine, mutate func(*Options)) (*Orchestrator, *recognizer.Handle) {
	handle := recognizer.NewHandle(func(context.Context) (recognizer.Engine, error) {
		return engine, nil
	}, nil)
	opts := DefaultOptions()
	opts.PageConcurrency = 1
	if mutate != nil {
		mutate(&opts)
	}
	return New(handle, opts, nil), handle
}

func TestBlankPageNeverReachesEngine(t *testing.T) {
	engine := newFakeEngine(fixed("Invoice number", 90))
	orch, _ := newTestOrchestrator(engine, nil)

	result, err := orch.Run(context.Background(), &fakeSource{pages: 3, blank: map[int]bool{2: true}}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, engine.callsFor(2))
	assert.Equal(t, 1, engine.callsFor(1))
	assert.Equal(t, 1, engine.callsFor(3))

	assert.True(t, result.Outcomes[1].Skipped)
	assert.Equal(t, imaging.PageBlank, result.Outcomes[1].Classification.PageType)
	assert.Equal(t, 3, result.PagesOCRd)
	assert.Equal(t, []float64{90, 0, 90}, result.PerPageConfidence)
	assert.Equal(t, 1, result.Metrics.SkippedPages)
	assert.Equal(t, 2, result.Metrics.OCRPages)
	assert.Equal(t, 0, result.Metrics.FailedPages)
	assert.Equal(t, float64(90), result.Confidence)
	assert.Equal(t, "Invoice number 1\n\nInvoice number 3", result.Text)
	assert.Equal(t, "fake-1.0", result.Metrics.EngineVersion)
}

func TestRetryGate(t *testing.T) {
	long := "Rechnung vom ersten Januar"

	testCases := []struct {
		name           string
		first          recognizer.Result
		retry          recognizer.Result
		retryErr       error
		wantCalls      int
		wantRetried    bool
		wantConfidence float64
		wantAccepted   bool
		wantText       string
	}{
		{
			name:           "high confidence is not retried",
			first:          recognizer.Result{Text: long, Confidence: 80},
			wantCalls:      1,
			wantConfidence: 80,
			wantAccepted:   true,
			wantText:       long,
		},
		{
			name:           "low confidence is rejected without retry",
			first:          recognizer.Result{Text: long, Confidence: 30},
			wantCalls:      1,
			wantConfidence: 30,
		},
		{
			name:           "better retry replaces first pass",
			first:          recognizer.Result{Text: long, Confidence: 50},
			retry:          recognizer.Result{Text: long + " 2024", Confidence: 72},
			wantCalls:      2,
			wantRetried:    true,
			wantConfidence: 72,
			wantAccepted:   true,
			wantText:       long + " 2024",
		},
		{
			name:           "shorter retry keeps first pass",
			first:          recognizer.Result{Text: long, Confidence: 50},
			retry:          recognizer.Result{Text: "Rechnung", Confidence: 90},
			wantCalls:      2,
			wantRetried:    true,
			wantConfidence: 50,
			wantAccepted:   true,
			wantText:       long,
		},
		{
			name:           "less confident retry keeps first pass",
			first:          recognizer.Result{Text: long, Confidence: 60},
			retry:          recognizer.Result{Text: long, Confidence: 55},
			wantCalls:      2,
			wantRetried:    true,
			wantConfidence: 60,
			wantAccepted:   true,
			wantText:       long,
		},
		{
			name:           "failed retry keeps first pass",
			first:          recognizer.Result{Text: long, Confidence: 45},
			retryErr:       errors.New("engine hiccup"),
			wantCalls:      2,
			wantRetried:    true,
			wantConfidence: 45,
			wantAccepted:   true,
			wantText:       long,
		},
		{
			name:      "empty text is not retried",
			first:          recognizer.Result{Text: "   ", Confidence: 50},
			wantCalls:      1,
			wantConfidence: 50,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newFakeEngine(func(_, call int) (recognizer.Result, error) {
				if call == 1 {
					return tc.first, nil
				}
				return tc.retry, tc.retryErr
			})
			orch, _ := newTestOrchestrator(engine, nil)

			result, err := orch.Run(context.Background(), &fakeSource{pages: 1}, nil)
			require.NoError(t, err)
			require.Len(t, result.Outcomes, 1)

			page := result.Outcomes[0]
			assert.Equal(t, tc.wantCalls, engine.callsFor(1))
			assert.Equal(t, tc.wantRetried, page.WasRetried)
			assert.Equal(t, tc.wantConfidence, page.Confidence())
			assert.Equal(t, tc.wantAccepted, page.Accepted)
			assert.NoError(t, page.Err)
			assert.Equal(t, tc.wantText, result.Text)
			if tc.wantRetried {
				assert.Equal(t, 1, result.Metrics.RetriedPages)
			}
			if !tc.wantAccepted {
				assert.Equal(t, 1, result.Metrics.FailedPages)
			}
		})
	}
}

func TestPageTimeoutKeepsEngineAlive(t *testing.T) {
	engine := newFakeEngine(fixed("Lieferschein", 88))
	engine.delay = func(page int) time.Duration {
		if page == 1 {
			return 300 * time.Millisecond
		}
		return 0
	}
	orch, handle := newTestOrchestrator(engine, func(o *Options) {
		o.PageTimeout = 30 * time.Millisecond
	})

	result, err := orch.Run(context.Background(), &fakeSource{pages: 2}, nil)
	require.NoError(t, err)

	first := result.Outcomes[0]
	assert.Equal(t, ocrerrors.ErrorRecognitionTimeout, ocrerrors.CodeOf(first.Err))
	assert.False(t, first.Accepted)
	assert.Equal(t, float64(0), first.Confidence())

	assert.True(t, result.Outcomes[1].Accepted)
	assert.Equal(t, "Lieferschein 2", result.Text)
	assert.Equal(t, 1, result.Metrics.FailedPages)

	assert.False(t, engine.terminated.Load())
	assert.Same(t, engine, handle.Current())
}

func TestTotalBudgetKeepsProcessedPrefix(t *testing.T) {
	engine := newFakeEngine(fixed("Seite", 90))
	engine.delay = func(int) time.Duration { return 60 * time.Millisecond }
	orch, _ := newTestOrchestrator(engine, func(o *Options) {
		o.TotalTimeout = 100 * time.Millisecond
	})

	result, err := orch.Run(context.Background(), &fakeSource{pages: 10}, nil)
	require.NoError(t, err)

	assert.True(t, result.DeadlineReached)
	assert.GreaterOrEqual(t, result.PagesOCRd, 1)
	assert.Less(t, result.PagesOCRd, 10)
	assert.Len(t, result.PerPageConfidence, result.PagesOCRd)
	assert.Equal(t, 10, result.PageCount)
	for i, p := range result.Outcomes {
		assert.Equal(t, i+1, p.PageNum)
		assert.True(t, p.Accepted)
	}
	assert.True(t, strings.HasPrefix(result.Text, "Seite 1"))
}

func TestPageLimitTruncates(t *testing.T) {
	engine := newFakeEngine(fixed("Blatt", 70))
	orch, _ := newTestOrchestrator(engine, func(o *Options) {
		o.PageConcurrency = 8
	})

	result, err := orch.Run(context.Background(), &fakeSource{pages: 85}, nil)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.False(t, result.DeadlineReached)
	assert.Equal(t, 85, result.PageCount)
	assert.Equal(t, 85, result.Metrics.TotalPages)
	assert.Equal(t, 80, result.PagesOCRd)
	assert.Equal(t, 0, engine.callsFor(81))
	assert.Equal(t, 1, engine.callsFor(80))
}

func TestConcurrentPagesKeepOrder(t *testing.T) {
	engine := newFakeEngine(fixed("Abschnitt", 91))
	engine.delay = func(page int) time.Duration {
		return time.Duration(12-page) * 5 * time.Millisecond
	}
	orch, _ := newTestOrchestrator(engine, func(o *Options) {
		o.PageConcurrency = 4
	})

	result, err := orch.Run(context.Background(), &fakeSource{pages: 12}, nil)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 12)

	var want []string
	for i, p := range result.Outcomes {
		assert.Equal(t, i+1, p.PageNum)
		want = append(want, fmt.Sprintf("Abschnitt %d", i+1))
	}
	assert.Equal(t, strings.Join(want, "\n\n"), result.Text)
}

func TestProgressEvents(t *testing.T) {
	engine := newFakeEngine(fixed("Vertrag", 95))
	orch, _ := newTestOrchestrator(engine, nil)

	progress := make(chan ProgressEvent, 16)
	_, err := orch.Run(context.Background(), &fakeSource{pages: 1}, progress)
	require.NoError(t, err)

	var stages []Stage
	for len(progress) > 0 {
		ev := <-progress
		assert.Equal(t, 1, ev.PageNum)
		assert.Equal(t, 1, ev.TotalPages)
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []Stage{StageRendering, StagePreprocessing, StageRecognizing, StagePostprocessing}, stages)
}

func TestFullProgressChannelDoesNotBlock(t *testing.T) {
	engine := newFakeEngine(fixed("Vertrag", 95))
	orch, _ := newTestOrchestrator(engine, nil)

	progress := make(chan ProgressEvent)
	result, err := orch.Run(context.Background(), &fakeSource{pages: 3}, progress)
	require.NoError(t, err)
	assert.Equal(t, 3, result.PagesOCRd)
}

func TestPageFailuresAreContained(t *testing.T) {
	engine := newFakeEngine(func(page, _ int) (recognizer.Result, error) {
		if page == 3 {
			panic("engine exploded")
		}
		return recognizer.Result{Text: fmt.Sprintf("Text %d", page), Confidence: 85}, nil
	})
	orch, handle := newTestOrchestrator(engine, nil)

	result, err := orch.Run(context.Background(), &fakeSource{pages: 4, failing: map[int]bool{2: true}}, nil)
	require.NoError(t, err)

	assert.Equal(t, ocrerrors.ErrorRenderFailed, ocrerrors.CodeOf(result.Outcomes[1].Err))
	assert.Equal(t, ocrerrors.ErrorPagePanic, ocrerrors.CodeOf(result.Outcomes[2].Err))
	assert.Equal(t, "Text 1\n\nText 4", result.Text)
	assert.Equal(t, 2, result.Metrics.FailedPages)
	assert.Equal(t, []float64{85, 0, 0, 85}, result.PerPageConfidence)
	assert.Equal(t, float64(85), result.Metrics.MinConfidence)
	assert.Same(t, engine, handle.Current())
}

func TestEngineInitFailure(t *testing.T) {
	handle := recognizer.NewHandle(func(context.Context) (recognizer.Engine, error) {
		return nil, errors.New("no language data")
	}, nil)
	orch := New(handle, DefaultOptions(), nil)

	_, err := orch.Run(context.Background(), &fakeSource{pages: 1}, nil)
	assert.ErrorIs(t, err, recognizer.ErrEngineUnavailable)
}

func TestConfidenceStatsIgnoreZeroPages(t *testing.T) {
	engine := newFakeEngine(func(page, _ int) (recognizer.Result, error) {
		switch page {
		case 1:
			return recognizer.Result{Text: "Alpha", Confidence: 70}, nil
		case 2:
			return recognizer.Result{Text: "Beta", Confidence: 95}, nil
		default:
			return recognizer.Result{}, nil
		}
	})
	orch, _ := newTestOrchestrator(engine, nil)

	result, err := orch.Run(context.Background(), &fakeSource{pages: 3}, nil)
	require.NoError(t, err)

	assert.Equal(t, float64(70), result.Metrics.MinConfidence)
	assert.Equal(t, float64(95), result.Metrics.MaxConfidence)
	assert.InDelta(t, 82.5, result.Metrics.AvgConfidence, 1e-9)
	assert.Equal(t, float64(83), result.Confidence)
}

func TestRetryRules(t *testing.T) {
	assert.True(t, ShouldRetry(recognizer.Result{Text: "abc", Confidence: 40}, 40, 65))
	assert.True(t, ShouldRetry(recognizer.Result{Text: "abc", Confidence: 64.9}, 40, 65))
	assert.False(t, ShouldRetry(recognizer.Result{Text: "abc", Confidence: 65}, 40, 65))
	assert.False(t, ShouldRetry(recognizer.Result{Text: "abc", Confidence: 39.9}, 40, 65))
	assert.False(t, ShouldRetry(recognizer.Result{Text: "", Confidence: 50}, 40, 65))

	first := recognizer.Result{Text: "0123456789", Confidence: 50}
	assert.True(t, AcceptRetry(first, recognizer.Result{Text: "01234567", Confidence: 51}))
	assert.False(t, AcceptRetry(first, recognizer.Result{Text: "0123456", Confidence: 99}))
	assert.False(t, AcceptRetry(first, recognizer.Result{Text: "0123456789", Confidence: 50}))

	assert.Equal(t, 3, TextLength("  äöü \n"))
	assert.True(t, IsAccepted(recognizer.Result{Text: "x", Confidence: 40}, 40))
	assert.False(t, IsAccepted(recognizer.Result{Text: " ", Confidence: 99}, 40))
}
