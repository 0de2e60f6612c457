package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dshills/texty/internal/lsp"

// requestMetrics holds the instruments recorded for every JSON-RPC request.
type requestMetrics struct {
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *requestMetrics
)

// instruments returns the process-wide request instruments. Instrument
// creation against the global provider only fails for invalid names, in which
// case the no-op instruments are used.
func instruments() *requestMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		m := &requestMetrics{}
		var err error

		m.requests, err = meter.Int64Counter("texty.lsp.requests",
			metric.WithDescription("Number of LSP requests sent"))
		if err != nil {
			m.requests = noopMeter().requests
		}

		m.failures, err = meter.Int64Counter("texty.lsp.request.failures",
			metric.WithDescription("Number of LSP requests that did not succeed"))
		if err != nil {
			m.failures = noopMeter().failures
		}

		m.duration, err = meter.Float64Histogram("texty.lsp.request.duration_seconds",
			metric.WithDescription("LSP request round-trip time in seconds"),
			metric.WithUnit("s"))
		if err != nil {
			m.duration = noopMeter().duration
		}

		metricsInst = m
	})
	return metricsInst
}

func noopMeter() *requestMetrics {
	meter := noop.NewMeterProvider().Meter(instrumentationName)
	reqs, _ := meter.Int64Counter("requests")
	fails, _ := meter.Int64Counter("failures")
	dur, _ := meter.Float64Histogram("duration")
	return &requestMetrics{requests: reqs, failures: fails, duration: dur}
}

// startRequestSpan starts the span covering one request's round trip.
func startRequestSpan(ctx context.Context, languageID, method string, id int64) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "lsp.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lsp.method", method),
			attribute.Int64("lsp.id", id),
			attribute.String("lsp.language", languageID),
		),
	)
}

// recordRequest ends span and records the outcome of one request.
func recordRequest(span trace.Span, languageID, method string, started time.Time, err error) {
	m := instruments()
	attrs := metric.WithAttributes(
		attribute.String("lsp.method", method),
		attribute.String("lsp.language", languageID),
	)
	ctx := context.Background()
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(started).Seconds(), attrs)
	if err != nil {
		kind := errorKind(err)
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("lsp.method", method),
			attribute.String("lsp.language", languageID),
			attribute.String("kind", kind),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}
