package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/adverant/nexus/ocr-worker/pipeline"

// page outcome attribute values
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeSkipped  = "skipped"
	outcomeFailed   = "failed"
	outcomeTimeout  = "timeout"
)

type instruments struct {
	pages    metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	pages, err := meter.Int64Counter(
		"ocr.pages",
		metric.WithDescription("Pages processed by the OCR pipeline, by outcome"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create page counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"ocr.document.duration",
		metric.WithDescription("Wall-clock duration of a document OCR run"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &instruments{pages: pages, duration: duration}, nil
}

// defaultInstruments uses the global meter provider, falling back to no-op
// instruments when registration fails
func defaultInstruments() (*instruments, error) {
	inst, err := newInstruments(otel.Meter(meterName))
	if err != nil {
		fallback, _ := newInstruments(noop.NewMeterProvider().Meter(meterName))
		return fallback, err
	}
	return inst, nil
}

func (i *instruments) page(ctx context.Context, outcome string) {
	i.pages.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (i *instruments) document(ctx context.Context, d time.Duration, pages int) {
	i.duration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.Int("pages", pages)))
}
