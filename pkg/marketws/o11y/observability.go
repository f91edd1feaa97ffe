package o11y

import (
	"context"
)

// MetricsProvider abstracts metrics collection (OpenTelemetry, the standalone provider, ...)
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// EndSpan sets the span status from err and ends it. A nil span is ignored.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(SpanStatusError, err.Error())
	} else {
		span.SetStatus(SpanStatusOK, "")
	}
	span.End()
}

// CounterOrNil returns nil when provider is nil so callers can guard with a nil check.
func CounterOrNil(provider MetricsProvider, name string) Counter {
	if provider == nil {
		return nil
	}
	return provider.Counter(name)
}

func HistogramOrNil(provider MetricsProvider, name string) Histogram {
	if provider == nil {
		return nil
	}
	return provider.Histogram(name)
}

func GaugeOrNil(provider MetricsProvider, name string) Gauge {
	if provider == nil {
		return nil
	}
	return provider.Gauge(name)
}
