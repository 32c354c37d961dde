package telemetry

import "context"

// NoopLogger discards every call. Used as the default when no logger is
// configured and in tests that don't care about log output.
type NoopLogger struct{}

func (NoopLogger) Debug(ctx context.Context, msg string, keyvals ...any) {}
func (NoopLogger) Info(ctx context.Context, msg string, keyvals ...any)  {}
func (NoopLogger) Warn(ctx context.Context, msg string, keyvals ...any)  {}
func (NoopLogger) Error(ctx context.Context, msg string, keyvals ...any) {}

// NoopMetrics discards every call.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(name string, tags map[string]string)                     {}
func (NoopMetrics) ObserveHistogram(name string, value float64, tags map[string]string) {}

// NoopTracer produces spans that discard every call.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                             {}
func (noopSpan) SetAttribute(key string, value any) {}
func (noopSpan) RecordError(err error)             {}
