package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// dedupeCapacity bounds the in-memory dedupe set per "bounded, LRU-evictable".
const dedupeCapacity = 10_000

// Enqueuer starts the downstream workflow that processes a normalized
// GitHub event. Implemented by a thin wrapper over the Temporal client.
type Enqueuer interface {
	EnqueueWorkflow(ctx context.Context, workflowID string, envelope Envelope) error
}

// Dispatcher implements the received -> verify -> normalized -> deduped ->
// enqueued state machine for inbound GitHub webhook deliveries.
type Dispatcher struct {
	secret           []byte
	requireSignature bool
	dedupe           *lru.Cache[string, struct{}]
	enqueuer         Enqueuer
	logger           telemetry.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l telemetry.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New constructs a Dispatcher. requireSignature must be true in production:
// when true, a missing or empty secret is treated as a configuration error
// at construction time rather than silently allowing unsigned webhooks
// through, per "in production this MUST be disabled" (disabled = the
// pass-through, not the check).
func New(secret []byte, requireSignature bool, enqueuer Enqueuer, opts ...Option) (*Dispatcher, error) {
	if requireSignature && len(secret) == 0 {
		return nil, fmt.Errorf("webhook dispatcher: a signing secret is required when signature verification is enforced")
	}
	cache, err := lru.New[string, struct{}](dedupeCapacity)
	if err != nil {
		return nil, fmt.Errorf("webhook dispatcher: construct dedupe cache: %w", err)
	}
	d := &Dispatcher{
		secret:           secret,
		requireSignature: requireSignature,
		dedupe:           cache,
		enqueuer:         enqueuer,
		logger:           telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Handler serves POST /webhooks/github/app: verifies the signature,
// normalizes the event, dedupes by delivery+head-SHA, and enqueues a
// workflow. Responds 202 {"ok":true} on success (including duplicates,
// which are accepted but not re-enqueued) and 401 on a bad signature.
func (d *Dispatcher) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
			return
		}
		defer r.Body.Close()

		sigHeader := r.Header.Get("X-Hub-Signature-256")
		secret := d.secret
		if !d.requireSignature && len(secret) == 0 {
			d.logger.Warn(r.Context(), "github webhook signature verification skipped: no secret configured (dev mode)")
		}
		if d.requireSignature || len(secret) > 0 {
			if err := VerifySignature(secret, sigHeader, body); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
				return
			}
		}

		eventType := r.Header.Get("X-GitHub-Event")
		deliveryID := r.Header.Get("X-GitHub-Delivery")

		env, err := Normalize(deliveryID, eventType, body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
			return
		}

		key := env.DedupeKey()
		if _, seen := d.dedupe.Get(key); seen {
			d.logger.Info(r.Context(), "github webhook duplicate dropped", "delivery_id", deliveryID, "event_type", eventType)
			writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
			return
		}
		d.dedupe.Add(key, struct{}{})

		if d.enqueuer != nil {
			if err := d.enqueuer.EnqueueWorkflow(r.Context(), env.WorkflowID(), env); err != nil {
				d.logger.Error(r.Context(), "failed to enqueue github webhook workflow", "delivery_id", deliveryID, "error", err.Error())
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue workflow"})
				return
			}
		}

		writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
