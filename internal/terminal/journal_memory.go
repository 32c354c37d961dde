package terminal

import (
	"context"
	"sync"
	"time"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// memoryJournal is the default, test-friendly Journal: an in-process slice
// per session, unbounded. Production deployments supply a Redis-backed
// Journal instead (see journal_redis.go).
type memoryJournal struct {
	mu    sync.Mutex
	bySes map[string][]Chunk
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{bySes: map[string][]Chunk{}}
}

func (j *memoryJournal) Append(_ context.Context, c Chunk) error {
	key := sessionKey(c.RunID, c.NodeRef, c.Stream)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bySes[key] = append(j.bySes[key], c)
	return nil
}

func (j *memoryJournal) Range(_ context.Context, runID, nodeRef string, stream shipsec.Stream, start, end time.Time) ([]Chunk, error) {
	key := sessionKey(runID, nodeRef, stream)
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Chunk
	for _, c := range j.bySes[key] {
		if (start.IsZero() || !c.RecordedAt.Before(start)) && (end.IsZero() || !c.RecordedAt.After(end)) {
			out = append(out, c)
		}
	}
	return out, nil
}
