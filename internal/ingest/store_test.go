package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpsertIsIdempotentByNaturalKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := Record{Kind: "log", NaturalKey: "k1", CreatedAt: time.Now().UTC(), Payload: map[string]any{"v": 1}}
	require.NoError(t, s.Upsert(ctx, rec))

	rec.Payload = map[string]any{"v": 2}
	require.NoError(t, s.Upsert(ctx, rec))

	page, _, err := s.List(ctx, "log", 10, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, float64(2), page[0].Payload["v"])
}

func TestMemoryStore_ListOrdersNewestFirstAndFiltersByKind(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, s.Upsert(ctx, Record{Kind: "log", NaturalKey: "a", CreatedAt: base.Add(-2 * time.Second)}))
	require.NoError(t, s.Upsert(ctx, Record{Kind: "event", NaturalKey: "b", CreatedAt: base.Add(-1 * time.Second)}))
	require.NoError(t, s.Upsert(ctx, Record{Kind: "log", NaturalKey: "c", CreatedAt: base}))

	page, _, err := s.List(ctx, "log", 10, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "c", page[0].NaturalKey)
	require.Equal(t, "a", page[1].NaturalKey)
}

func TestMemoryStore_ListPaginatesWithCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Upsert(ctx, Record{
			Kind:       "log",
			NaturalKey: string(rune('a' + i)),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	first, cursor, err := s.List(ctx, "log", 2, "")
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, cursor)

	rest, nextCursor, err := s.List(ctx, "log", 2, cursor)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Empty(t, nextCursor)
}

func TestEncodeDecodeCursorRoundTrips(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Millisecond)
	cursor := EncodeCursor(ts, 42)
	gotTime, gotID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	require.True(t, ts.Equal(gotTime))
	require.Equal(t, int64(42), gotID)
}
