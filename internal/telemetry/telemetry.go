// Package telemetry wraps structured logging, metrics, and tracing behind
// small interfaces so the other internal packages never import clue or
// OpenTelemetry directly (cmd/shipsec-runner uses clue's log package for
// process setup). The Clue-backed implementation is used in
// production; the noop implementation is used in tests and as the default
// when no telemetry backend is configured.
package telemetry

import (
	"context"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// Logger is re-exported from shipsec so callers building an ExecutionContext
// can use either name interchangeably.
type Logger = shipsec.Logger

// Metrics records counters and histograms for the runtime's subsystems.
type Metrics interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Span is a single unit of tracing work.
type Span interface {
	End()
	SetAttribute(key string, value any)
	RecordError(err error)
}

// Tracer starts spans.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}
