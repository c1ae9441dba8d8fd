/**
 * Recognition engine contract
 *
 * The engine is the only long-lived shared resource of the pipeline. A
 * Handle owns it: the first caller creates it, concurrent callers share
 * that single initialization, and only Shutdown tears it down. Recognition
 * failures never release it.
 */

package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

// ErrEngineUnavailable wraps every initialization failure
var ErrEngineUnavailable = errors.New("recognition engine unavailable")

// errShutdown is returned to callers whose initialization raced a Shutdown
var errShutdown = errors.New("engine was shut down during initialization")

// Result is one recognition pass. Confidence is in [0,100] and only
// meaningful when Text is non-empty.
type Result struct {
	Text       string
	Confidence float64
}

// Engine recognizes preprocessed page bitmaps. Recognize must be safe for
// concurrent use.
type Engine interface {
	Recognize(ctx context.Context, img *imaging.RawImage) (Result, error)
	Version() string
	Terminate() error
}

// Factory creates a ready-to-use engine
type Factory func(ctx context.Context) (Engine, error)

// Handle is a lazily created, explicitly destroyed engine
type Handle struct {
	factory Factory
	logger  *logging.Logger

	mu         sync.Mutex
	engine     Engine
	generation uint64
	group      singleflight.Group
}

// NewHandle wraps factory without calling it
func NewHandle(factory Factory, logger *logging.Logger) *Handle {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handle{factory: factory, logger: logger}
}

// Acquire returns the engine, creating it on first use. Failed
// initializations are not cached; the next call tries again.
func (h *Handle) Acquire(ctx context.Context) (Engine, error) {
	h.mu.Lock()
	if h.engine != nil {
		e := h.engine
		h.mu.Unlock()
		return e, nil
	}
	gen := h.generation
	h.mu.Unlock()

	// one flight per generation; callers after Shutdown start a new one
	ch := h.group.DoChan(strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return h.initialize(ctx, gen)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	}
}

func (h *Handle) initialize(ctx context.Context, gen uint64) (Engine, error) {
	h.mu.Lock()
	if h.engine != nil {
		e := h.engine
		h.mu.Unlock()
		return e, nil
	}
	h.mu.Unlock()

	// initialization is shared, so one caller's cancellation must not abort it
	e, err := h.factory(context.WithoutCancel(ctx))
	if err != nil {
		h.logger.Error("Engine initialization failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generation != gen {
		if termErr := e.Terminate(); termErr != nil {
			h.logger.Warn("Failed to terminate engine created during shutdown", "error", termErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, errShutdown)
	}
	h.engine = e
	h.logger.Info("Engine initialized", "version", e.Version())
	return e, nil
}

// Current returns the live engine without creating one
func (h *Handle) Current() Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine
}

// Shutdown terminates the engine if one exists. It is safe to call
// repeatedly; a later Acquire creates a fresh engine.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	e := h.engine
	h.engine = nil
	h.generation++
	h.mu.Unlock()

	if e == nil {
		return nil
	}
	h.logger.Info("Terminating engine", "version", e.Version())
	return e.Terminate()
}
