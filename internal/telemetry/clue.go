package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// ClueLogger wraps goa.design/clue/log for runtime logging. It reads
// formatting and debug settings from the context, set once at process
// startup via log.Context/log.WithFormat/log.WithDebug.
type ClueLogger struct{}

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
func NewClueLogger() ClueLogger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fs := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, kvsToClue(keyvals)...)
	log.Warn(ctx, fs...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	return append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvsToClue(keyvals)...)
}

// kvsToClue converts a flat (k1, v1, k2, v2, ...) slice into clue's
// log.Fielder form, tolerating a trailing unmatched key.
func kvsToClue(keyvals []any) []log.Fielder {
	var fs []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fs = append(fs, log.KV{K: key, V: v})
	}
	return fs
}

// ClueMetrics wraps an OTEL meter for runtime instrumentation, lazily
// instantiating one instrument per metric name.
type ClueMetrics struct {
	meter      metric.Meter
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewClueMetrics constructs a Metrics recorder bound to the process-wide
// OTEL MeterProvider under the runtime's instrumentation name.
func NewClueMetrics() *ClueMetrics {
	return &ClueMetrics{
		meter:      otel.Meter("github.com/ShipSecAI/studio-sub005"),
		counters:   map[string]metric.Float64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

func (m *ClueMetrics) IncCounter(name string, tags map[string]string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), 1, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *ClueMetrics) ObserveHistogram(name string, value float64, tags map[string]string) {
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		m.histograms[name] = h
	}
	h.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// ClueTracer wraps an OTEL tracer for runtime tracing.
type ClueTracer struct {
	tracer trace.Tracer
}

// NewClueTracer constructs a Tracer bound to the process-wide OTEL
// TracerProvider under the runtime's instrumentation name.
func NewClueTracer() ClueTracer {
	return ClueTracer{tracer: otel.Tracer("github.com/ShipSecAI/studio-sub005")}
}

func (t ClueTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, clueSpan{span: span}
}

type clueSpan struct {
	span trace.Span
}

func (s clueSpan) End() { s.span.End() }

func (s clueSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
	}
}

func (s clueSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}
