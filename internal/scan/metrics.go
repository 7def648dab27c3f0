package scan

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ipsix/avsweep/internal/scan"

// Metrics mirrors Stats as OpenTelemetry counters.
type Metrics struct {
	scanned    metric.Int64Counter
	unreadable metric.Int64Counter
	infected   metric.Int64Counter
	bytes      metric.Int64Counter
	errors     metric.Int64Counter
	attrs      metric.MeasurementOption
}

// NewMetrics registers the counters on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider, backend string) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{attrs: metric.WithAttributes(attribute.String("backend", backend))}
	var err error
	if m.scanned, err = meter.Int64Counter("avsweep.files.scanned", metric.WithDescription("Files handed to the engine")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.unreadable, err = meter.Int64Counter("avsweep.files.unreadable", metric.WithDescription("Files that could not be opened")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.infected, err = meter.Int64Counter("avsweep.files.infected", metric.WithDescription("Files matching a signature")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.bytes, err = meter.Int64Counter("avsweep.bytes.scanned", metric.WithUnit("{unit}"), metric.WithDescription("Engine-reported processed size")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	if m.errors, err = meter.Int64Counter("avsweep.scan.errors", metric.WithDescription("Engine failures while scanning")); err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) record(ctx context.Context, r Result, processed uint64, reachedEngine bool) {
	if m == nil {
		return
	}
	if !reachedEngine {
		if r.Kind == EngineError {
			m.errors.Add(ctx, 1, m.attrs)
			return
		}
		m.unreadable.Add(ctx, 1, m.attrs)
		return
	}
	m.scanned.Add(ctx, 1, m.attrs)
	m.bytes.Add(ctx, int64(processed), m.attrs)
	switch r.Kind {
	case Infected:
		m.infected.Add(ctx, 1, m.attrs)
	case EngineError:
		m.errors.Add(ctx, 1, m.attrs)
	}
}
