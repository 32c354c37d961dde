package ingest

import (
	"context"

	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// AuditWriter schedules non-blocking audit log writes: emission happens on
// the next scheduler turn (a goroutine, immediately runnable but never
// executed inline with the caller), and write failures are warned, never
// surfaced to the caller.
type AuditWriter struct {
	store  Store
	logger telemetry.Logger
}

// NewAuditWriter constructs an AuditWriter backed by store.
func NewAuditWriter(store Store, logger telemetry.Logger) *AuditWriter {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &AuditWriter{store: store, logger: logger}
}

// Write schedules rec for persistence and returns immediately.
func (w *AuditWriter) Write(rec Record) {
	go func() {
		if err := w.store.Upsert(context.Background(), rec); err != nil {
			w.logger.Warn(context.Background(), "audit write failed",
				"kind", rec.Kind, "natural_key", rec.NaturalKey, "error", err.Error())
		}
	}()
}

// List serves cursor-paginated audit listing.
func (w *AuditWriter) List(ctx context.Context, kind string, limit int, cursor string) ([]Record, string, error) {
	return w.store.List(ctx, kind, limit, cursor)
}
