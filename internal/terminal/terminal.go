// Package terminal implements the terminal chunk emitter: it transforms
// arbitrary byte streams (stdout/stderr/pty) into ordered, base64-framed,
// timestamped chunks, and fans them out to live subscribers via a
// publish-subscribe hub keyed by (runId, nodeRef, stream). A short-lived
// buffer and, optionally, a Redis-backed journal let late joiners replay
// recent history.
package terminal

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// Chunk is one ordered terminal record. ChunkIndex is strictly increasing
// per (RunID, NodeRef, Stream); chunks are append-only and never mutated.
type Chunk struct {
	RunID      string
	NodeRef    string
	Stream     shipsec.Stream
	ChunkIndex int64
	Payload    string // base64
	RecordedAt time.Time
	DeltaMs    int64
	Origin     string
	RunnerKind string
}

// Journal persists chunks for later replay. Implementations may be
// Redis-backed (production, keyed by TERMINAL_REDIS_URL) or in-memory
// (tests, default).
type Journal interface {
	Append(ctx context.Context, c Chunk) error
	Range(ctx context.Context, runID, nodeRef string, stream shipsec.Stream, start, end time.Time) ([]Chunk, error)
}

// Hub owns per-session broadcasters and the replay journal.
type Hub struct {
	mu      sync.Mutex
	hubs    map[string]*channelBroadcaster
	buf     int
	journal Journal
	logger  telemetry.Logger
}

// Option configures a Hub.
type Option func(*Hub)

func WithJournal(j Journal) Option      { return func(h *Hub) { h.journal = j } }
func WithBufferSize(n int) Option       { return func(h *Hub) { h.buf = n } }
func WithHubLogger(l telemetry.Logger) Option { return func(h *Hub) { h.logger = l } }

// NewHub constructs a Hub with a bounded per-session buffer (default 256
// chunks) and an in-memory journal unless overridden.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		hubs:   map[string]*channelBroadcaster{},
		buf:    256,
		logger: telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.journal == nil {
		h.journal = newMemoryJournal()
	}
	return h
}

func sessionKey(runID, nodeRef string, stream shipsec.Stream) string {
	return fmt.Sprintf("%s|%s|%s", runID, nodeRef, stream)
}

func (h *Hub) broadcaster(key string) *channelBroadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.hubs[key]
	if !ok {
		b = newChannelBroadcaster(h.buf)
		h.hubs[key] = b
	}
	return b
}

// Subscribe returns a live subscription to (runId, nodeRef, stream).
func (h *Hub) Subscribe(ctx context.Context, runID, nodeRef string, stream shipsec.Stream) (Subscription, error) {
	return h.broadcaster(sessionKey(runID, nodeRef, stream)).Subscribe(ctx)
}

// Replay returns journaled chunks recorded within [start,end], seekable
// asciinema-style by recordedAt.
func (h *Hub) Replay(ctx context.Context, runID, nodeRef string, stream shipsec.Stream, start, end time.Time) ([]Chunk, error) {
	return h.journal.Range(ctx, runID, nodeRef, stream, start, end)
}

// emitState tracks per-session chunk ordering, held by the factory closure
// returned from Emitter.
type emitState struct {
	mu         sync.Mutex
	chunkIndex int64
	lastEmit   time.Time
}

// Emitter returns a factory bound to an execution context; calling the
// factory for a given stream memoizes ordering state per stream for the
// lifetime of the activity, matching "memoized per stream so chunk
// ordering state is maintained correctly across calls within one
// activity." ec is not consulted: every emit publishes to the hub and
// appends to its journal.
func (h *Hub) Emitter(ec *shipsec.ExecutionContext, runID, nodeRef, origin, runnerKind string) func(stream shipsec.Stream) shipsec.TerminalEmitFunc {
	states := map[shipsec.Stream]*emitState{}
	var mu sync.Mutex

	return func(stream shipsec.Stream) shipsec.TerminalEmitFunc {
		mu.Lock()
		st, ok := states[stream]
		if !ok {
			st = &emitState{}
			states[stream] = st
		}
		mu.Unlock()

		return func(payload []byte) {
			st.mu.Lock()
			st.chunkIndex++
			var deltaMs int64
			now := time.Now().UTC()
			if st.chunkIndex > 1 {
				deltaMs = now.Sub(st.lastEmit).Milliseconds()
			}
			st.lastEmit = now
			idx := st.chunkIndex
			st.mu.Unlock()

			chunk := Chunk{
				RunID:      runID,
				NodeRef:    nodeRef,
				Stream:     stream,
				ChunkIndex: idx,
				Payload:    base64.StdEncoding.EncodeToString(payload),
				RecordedAt: now,
				DeltaMs:    deltaMs,
				Origin:     origin,
				RunnerKind: runnerKind,
			}

			h.broadcaster(sessionKey(runID, nodeRef, stream)).Publish(chunk)

			if err := h.journal.Append(context.Background(), chunk); err != nil {
				// Errors in the downstream collector are logged but never
				// propagate: component execution must never stall on
				// telemetry backpressure.
				h.logger.Warn(context.Background(), "failed to journal terminal chunk",
					"run_id", runID, "node_ref", nodeRef, "stream", string(stream), "error", err.Error())
			}
		}
	}
}
