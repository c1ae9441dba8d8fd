/**
 * Tesseract engine
 *
 * gosseract clients are not safe for concurrent use, so the engine keeps a
 * fixed pool of them and hands one to each Recognize call. Pages reach
 * Tesseract as uncompressed 8-bit BMP.
 */

package tesseract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/adverant/nexus/ocr-worker/internal/imaging"
	"github.com/adverant/nexus/ocr-worker/internal/recognizer"
)

// ErrTerminated is returned by Recognize after Terminate
var ErrTerminated = errors.New("tesseract engine terminated")

// Config holds Tesseract configuration
type Config struct {
	Languages      string // "deu+eng"
	PoolSize       int
	TessdataPrefix string
}

// Engine recognizes pages with a pool of Tesseract clients
type Engine struct {
	clients chan *gosseract.Client
	all     []*gosseract.Client
	version string

	mu         sync.Mutex
	terminated bool
}

// Factory adapts New to recognizer.Factory
func Factory(cfg Config) recognizer.Factory {
	return func(ctx context.Context) (recognizer.Engine, error) {
		return New(ctx, cfg)
	}
}

// New creates PoolSize clients and forces Tesseract to load its language
// data so missing traineddata fails here rather than on the first page.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.Languages == "" {
		cfg.Languages = "deu+eng"
	}

	e := &Engine{
		clients: make(chan *gosseract.Client, cfg.PoolSize),
		version: "tesseract-" + gosseract.Version(),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		if err := ctx.Err(); err != nil {
			e.closeAll()
			return nil, err
		}
		client, err := newClient(cfg)
		if err != nil {
			e.closeAll()
			return nil, err
		}
		e.all = append(e.all, client)
		e.clients <- client
	}

	return e, nil
}

func newClient(cfg Config) (*gosseract.Client, error) {
	client := gosseract.NewClient()
	if cfg.TessdataPrefix != "" {
		client.TessdataPrefix = cfg.TessdataPrefix
	}

	if err := client.SetLanguage(strings.Split(cfg.Languages, "+")...); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set languages %q: %w", cfg.Languages, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	// warm up: Tesseract initializes lazily on the first recognition
	probe, err := encodeBMP(imaging.NewRawImage(8, 8))
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := client.SetImageFromBytes(probe); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set warm-up image: %w", err)
	}
	if _, err := client.Text(); err != nil {
		client.Close()
		return nil, fmt.Errorf("tesseract initialization failed: %w", err)
	}

	return client, nil
}

// Recognize performs OCR on one preprocessed page
func (e *Engine) Recognize(ctx context.Context, img *imaging.RawImage) (recognizer.Result, error) {
	if err := img.Validate(); err != nil {
		return recognizer.Result{}, err
	}

	var client *gosseract.Client
	select {
	case <-ctx.Done():
		return recognizer.Result{}, ctx.Err()
	case c, ok := <-e.clients:
		if !ok {
			return recognizer.Result{}, ErrTerminated
		}
		client = c
	}
	defer e.release(client)

	data, err := encodeBMP(img)
	if err != nil {
		return recognizer.Result{}, err
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return recognizer.Result{}, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("failed to read word confidences: %w", err)
	}

	return recognizer.Result{Text: text, Confidence: meanConfidence(boxes)}, nil
}

// release returns a client to the pool, or closes it after Terminate
func (e *Engine) release(client *gosseract.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		client.Close()
		return
	}
	e.clients <- client
}

// Version reports the linked Tesseract library version
func (e *Engine) Version() string {
	return e.version
}

// Terminate closes idle clients immediately; clients busy with a page are
// closed when their call returns.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return nil
	}
	e.terminated = true
	close(e.clients)

	var errs []error
	for client := range e.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) closeAll() {
	for _, c := range e.all {
		c.Close()
	}
}

// meanConfidence averages word confidences, ignoring empty words
func meanConfidence(boxes []gosseract.BoundingBox) float64 {
	sum, n := 0.0, 0
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		sum += b.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// encodeBMP writes the page as an 8-bit grayscale BMP
func encodeBMP(img *imaging.RawImage) ([]byte, error) {
	src := img.NRGBA()
	gray := image.NewGray(src.Bounds())
	draw.Draw(gray, gray.Bounds(), src, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := bmp.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("failed to encode page: %w", err)
	}
	return buf.Bytes(), nil
}
