package terminal

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

func newTestHub() *Hub {
	return NewHub(WithBufferSize(16))
}

func TestHub_Emitter_ChunkIndexStartsAtOneAndIsStrictlyIncreasing(t *testing.T) {
	h := newTestHub()
	ec := &shipsec.ExecutionContext{Context: context.Background()}
	factory := h.Emitter(ec, "run-1", "node-1", "origin", "inline")
	emit := factory(shipsec.StreamStdout)

	sub, err := h.Subscribe(context.Background(), "run-1", "node-1", shipsec.StreamStdout)
	require.NoError(t, err)

	emit([]byte("one"))
	emit([]byte("two"))
	emit([]byte("three"))

	var last int64
	for i := 0; i < 3; i++ {
		c := <-sub.C()
		require.Greater(t, c.ChunkIndex, last)
		last = c.ChunkIndex
	}
	require.Equal(t, int64(3), last)
}

func TestHub_Emitter_FirstChunkHasZeroDeltaMs(t *testing.T) {
	h := newTestHub()
	ec := &shipsec.ExecutionContext{Context: context.Background()}
	factory := h.Emitter(ec, "run-1", "node-1", "origin", "inline")
	emit := factory(shipsec.StreamStdout)

	sub, err := h.Subscribe(context.Background(), "run-1", "node-1", shipsec.StreamStdout)
	require.NoError(t, err)

	emit([]byte("first"))
	c := <-sub.C()
	require.Equal(t, int64(1), c.ChunkIndex)
	require.Equal(t, int64(0), c.DeltaMs)
}

func TestHub_Emitter_SecondChunkHasNonNegativeDeltaMs(t *testing.T) {
	h := newTestHub()
	ec := &shipsec.ExecutionContext{Context: context.Background()}
	factory := h.Emitter(ec, "run-1", "node-1", "origin", "inline")
	emit := factory(shipsec.StreamStdout)

	sub, err := h.Subscribe(context.Background(), "run-1", "node-1", shipsec.StreamStdout)
	require.NoError(t, err)

	emit([]byte("first"))
	<-sub.C()
	time.Sleep(5 * time.Millisecond)
	emit([]byte("second"))
	c := <-sub.C()
	require.Equal(t, int64(2), c.ChunkIndex)
	require.GreaterOrEqual(t, c.DeltaMs, int64(0))
}

func TestHub_Emitter_StreamsAreOrderedIndependently(t *testing.T) {
	h := newTestHub()
	ec := &shipsec.ExecutionContext{Context: context.Background()}
	factory := h.Emitter(ec, "run-1", "node-1", "origin", "inline")
	stdout := factory(shipsec.StreamStdout)
	stderr := factory(shipsec.StreamStderr)

	subOut, err := h.Subscribe(context.Background(), "run-1", "node-1", shipsec.StreamStdout)
	require.NoError(t, err)
	subErr, err := h.Subscribe(context.Background(), "run-1", "node-1", shipsec.StreamStderr)
	require.NoError(t, err)

	stdout([]byte("o1"))
	stderr([]byte("e1"))
	stdout([]byte("o2"))

	co1 := <-subOut.C()
	co2 := <-subOut.C()
	ce1 := <-subErr.C()

	require.Equal(t, int64(1), co1.ChunkIndex)
	require.Equal(t, int64(2), co2.ChunkIndex)
	require.Equal(t, int64(1), ce1.ChunkIndex)
}

func TestHub_Emitter_PayloadIsBase64Encoded(t *testing.T) {
	h := newTestHub()
	ec := &shipsec.ExecutionContext{Context: context.Background()}
	factory := h.Emitter(ec, "run-1", "node-1", "origin", "inline")
	emit := factory(shipsec.StreamStdout)

	sub, err := h.Subscribe(context.Background(), "run-1", "node-1", shipsec.StreamStdout)
	require.NoError(t, err)

	raw := []byte("hello terminal\x00\x01\x02")
	emit(raw)
	c := <-sub.C()

	decoded, err := base64.StdEncoding.DecodeString(c.Payload)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestHub_Emitter_ChunksAreJournaledForReplay(t *testing.T) {
	h := newTestHub()
	ec := &shipsec.ExecutionContext{Context: context.Background()}
	factory := h.Emitter(ec, "run-1", "node-1", "origin", "inline")
	emit := factory(shipsec.StreamStdout)

	emit([]byte("a"))
	emit([]byte("b"))

	// Emitter journals asynchronously-looking but Append happens inline in
	// the emit closure, so replay is immediately consistent.
	chunks, err := h.Replay(context.Background(), "run-1", "node-1", shipsec.StreamStdout, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, int64(1), chunks[0].ChunkIndex)
	require.Equal(t, int64(2), chunks[1].ChunkIndex)
}

// TestHub_Emitter_ChunkIndexMonotonicityProperty verifies, across arbitrary
// sequences of emitted payloads, that chunkIndex is always strictly
// increasing by exactly one, deltaMs is zero for the first chunk, and
// deltaMs is never negative afterwards.
func TestHub_Emitter_ChunkIndexMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chunkIndex increases by one per emit; deltaMs is zero on the first chunk and non-negative after", prop.ForAll(
		func(payloads []string) bool {
			if len(payloads) == 0 {
				return true
			}
			h := newTestHub()
			ec := &shipsec.ExecutionContext{Context: context.Background()}
			factory := h.Emitter(ec, "run-prop", "node-prop", "origin", "inline")
			emit := factory(shipsec.StreamStdout)

			for _, p := range payloads {
				emit([]byte(p))
			}

			// Replay reads the journal, which is appended synchronously inside
			// emit and unbounded, unlike the broadcaster's bounded live-
			// subscriber channel.
			chunks, err := h.Replay(context.Background(), "run-prop", "node-prop", shipsec.StreamStdout, time.Time{}, time.Time{})
			if err != nil || len(chunks) != len(payloads) {
				return false
			}

			var prevIdx int64
			for i, c := range chunks {
				if c.ChunkIndex != prevIdx+1 {
					return false
				}
				if i == 0 && c.DeltaMs != 0 {
					return false
				}
				if i > 0 && c.DeltaMs < 0 {
					return false
				}
				prevIdx = c.ChunkIndex
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHub_Emitter_Base64RoundTripProperty verifies that for arbitrary
// payload bytes, decoding a chunk's Payload always reconstructs the exact
// bytes that were emitted.
func TestHub_Emitter_Base64RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("base64-decoding a chunk's payload reconstructs the emitted bytes", prop.ForAll(
		func(payload string) bool {
			h := newTestHub()
			ec := &shipsec.ExecutionContext{Context: context.Background()}
			factory := h.Emitter(ec, "run-b64", "node-b64", "origin", "inline")
			emit := factory(shipsec.StreamStdout)

			sub, err := h.Subscribe(context.Background(), "run-b64", "node-b64", shipsec.StreamStdout)
			if err != nil {
				return false
			}

			emit([]byte(payload))
			c := <-sub.C()
			decoded, err := base64.StdEncoding.DecodeString(c.Payload)
			if err != nil {
				return false
			}
			return string(decoded) == payload
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestMemoryJournal_RangeFiltersByRecordedAt(t *testing.T) {
	j := newMemoryJournal()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c1 := Chunk{RunID: "r", NodeRef: "n", Stream: shipsec.StreamStdout, ChunkIndex: 1, RecordedAt: base}
	c2 := Chunk{RunID: "r", NodeRef: "n", Stream: shipsec.StreamStdout, ChunkIndex: 2, RecordedAt: base.Add(time.Minute)}
	c3 := Chunk{RunID: "r", NodeRef: "n", Stream: shipsec.StreamStdout, ChunkIndex: 3, RecordedAt: base.Add(2 * time.Minute)}

	require.NoError(t, j.Append(context.Background(), c1))
	require.NoError(t, j.Append(context.Background(), c2))
	require.NoError(t, j.Append(context.Background(), c3))

	out, err := j.Range(context.Background(), "r", "n", shipsec.StreamStdout, base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, int64(2), out[0].ChunkIndex)
}

func TestBroadcaster_PublishDropsOldestWhenSubscriberFull(t *testing.T) {
	b := newChannelBroadcaster(1)
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	b.Publish(Chunk{ChunkIndex: 1})
	b.Publish(Chunk{ChunkIndex: 2})

	c := <-sub.C()
	require.Equal(t, int64(2), c.ChunkIndex)
}

func TestBroadcaster_CloseIsIdempotentAndStopsDelivery(t *testing.T) {
	b := newChannelBroadcaster(4)
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	b.Publish(Chunk{ChunkIndex: 1})

	_, ok := <-sub.C()
	require.False(t, ok)
}
