package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// Kind enumerates the three ingestor topics.
type Kind string

const (
	KindLogs   Kind = "logs"
	KindEvents Kind = "events"
	KindNodeIO Kind = "node-io"
)

// Config configures one Ingestor.
type Config struct {
	Brokers []string
	Topic   string
	Kind    Kind
	// Instance scopes the consumer group and client ids
	// (shipsec-<kind>-ingestor[-<instance>]); empty means unscoped.
	Instance string
}

func (c Config) groupID() string {
	if c.Instance == "" {
		return fmt.Sprintf("shipsec-%s-ingestor", c.Kind)
	}
	return fmt.Sprintf("shipsec-%s-ingestor-%s", c.Kind, c.Instance)
}

// Ingestor consumes one Kafka topic as a consumer group and persists
// records idempotently into a Store.
type Ingestor struct {
	cfg     Config
	reader  *kafka.Reader
	store   Store
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Option configures an Ingestor.
type Option func(*Ingestor)

func WithLogger(l telemetry.Logger) Option   { return func(i *Ingestor) { i.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(i *Ingestor) { i.metrics = m } }

// New constructs an Ingestor bound to cfg's topic and consumer group,
// instance-scoped per the Config.Instance convention.
func New(cfg Config, store Store, opts ...Option) *Ingestor {
	groupID := cfg.groupID()
	dialer := *kafka.DefaultDialer
	dialer.ClientID = groupID
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: groupID,
		Dialer:  &dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	i := &Ingestor{
		cfg:     cfg,
		reader:  reader,
		store:   store,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run consumes messages until ctx is cancelled, upserting each into the
// store idempotently by natural key. At-least-once delivery: messages are
// fetched with FetchMessage and committed explicitly with CommitMessages
// only after a successful upsert; a failed upsert is retried every second
// until it succeeds or ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		msg, err := i.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.Warn(ctx, "kafka fetch failed", "topic", i.cfg.Topic, "error", err.Error())
			continue
		}

		rec, err := decode(i.cfg.Kind, msg.Value)
		if err != nil {
			i.logger.Warn(ctx, "dropping malformed ingest message", "topic", i.cfg.Topic, "error", err.Error())
			_ = i.reader.CommitMessages(ctx, msg)
			continue
		}

		for {
			err := i.store.Upsert(ctx, rec)
			if err == nil {
				break
			}
			i.logger.Warn(ctx, "store upsert failed, retrying", "topic", i.cfg.Topic, "error", err.Error())
			i.metrics.IncCounter("ingest_upsert_errors_total", map[string]string{"kind": string(i.cfg.Kind)})
			select {
			case <-ctx.Done():
				return ctx.Err() // not committed; redelivered to the group later
			case <-time.After(time.Second):
			}
		}

		if err := i.reader.CommitMessages(ctx, msg); err != nil {
			i.logger.Warn(ctx, "commit failed", "topic", i.cfg.Topic, "error", err.Error())
		}
		i.metrics.IncCounter("ingest_records_total", map[string]string{"kind": string(i.cfg.Kind)})
	}
}

// Close releases the underlying Kafka reader.
func (i *Ingestor) Close() error { return i.reader.Close() }

// wireRecord is the JSON envelope ingestors expect on the wire.
type wireRecord struct {
	RunID      string         `json:"runId"`
	NodeRef    string         `json:"nodeRef"`
	Stream     string         `json:"stream,omitempty"`
	ChunkIndex int64          `json:"chunkIndex,omitempty"`
	StartedAt  time.Time      `json:"startedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	Payload    map[string]any `json:"payload"`
}

func decode(kind Kind, raw []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return Record{}, shipsec.NewError(shipsec.KindValidation, "", "malformed ingest payload: "+err.Error())
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	var naturalKey string
	switch kind {
	case KindNodeIO:
		naturalKey = fmt.Sprintf("%s|%s|%s", w.RunID, w.NodeRef, w.StartedAt.Format(time.RFC3339Nano))
	default:
		naturalKey = fmt.Sprintf("%s|%s|%s|%d", w.RunID, w.NodeRef, w.Stream, w.ChunkIndex)
	}

	return Record{
		Kind:       string(kind),
		NaturalKey: naturalKey,
		RunID:      w.RunID,
		NodeRef:    w.NodeRef,
		CreatedAt:  w.CreatedAt,
		Payload:    w.Payload,
	}, nil
}
