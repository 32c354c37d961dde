package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// RedisJournal persists terminal chunks to a Redis sorted set per session,
// scored by recordedAt, enabling a time-bounded Range query for replay.
// Configured via TERMINAL_REDIS_URL at process composition time; absent
// that variable, callers should fall back to the in-memory journal.
type RedisJournal struct {
	rdb *redis.Client
	ttl time.Duration
}

// DefaultJournalTTL bounds how long a session's replay history is kept.
const DefaultJournalTTL = 24 * time.Hour

// NewRedisJournal constructs a Journal backed by rdb. ttl of zero uses
// DefaultJournalTTL.
func NewRedisJournal(rdb *redis.Client, ttl time.Duration) *RedisJournal {
	if ttl <= 0 {
		ttl = DefaultJournalTTL
	}
	return &RedisJournal{rdb: rdb, ttl: ttl}
}

func redisKey(runID, nodeRef string, stream shipsec.Stream) string {
	return fmt.Sprintf("shipsec:terminal:%s:%s:%s", runID, nodeRef, stream)
}

func (j *RedisJournal) Append(ctx context.Context, c Chunk) error {
	key := redisKey(c.RunID, c.NodeRef, c.Stream)
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	score := float64(c.RecordedAt.UnixMilli())
	if err := j.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: raw}).Err(); err != nil {
		return fmt.Errorf("zadd chunk: %w", err)
	}
	if err := j.rdb.Expire(ctx, key, j.ttl).Err(); err != nil {
		return fmt.Errorf("set journal ttl: %w", err)
	}
	return nil
}

func (j *RedisJournal) Range(ctx context.Context, runID, nodeRef string, stream shipsec.Stream, start, end time.Time) ([]Chunk, error) {
	key := redisKey(runID, nodeRef, stream)
	min := "-inf"
	max := "+inf"
	if !start.IsZero() {
		min = fmt.Sprintf("%d", start.UnixMilli())
	}
	if !end.IsZero() {
		max = fmt.Sprintf("%d", end.UnixMilli())
	}
	members, err := j.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	chunks := make([]Chunk, 0, len(members))
	for _, m := range members {
		var c Chunk
		if err := json.Unmarshal([]byte(m), &c); err != nil {
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}
