package mcpclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

// fakeSession is a pooledSession test double that records whether it was
// closed, without opening any real transport.
type fakeSession struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeSession) ListTools(context.Context, *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (f *fakeSession) CallTool(context.Context, *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestPool(idleTTL time.Duration) *Pool {
	return &Pool{
		entries:   map[string]*poolEntry{},
		idleTTL:   idleTTL,
		stopSweep: make(chan struct{}),
	}
}

func TestPool_SweepIdle_EvictsEntriesPastTTL(t *testing.T) {
	p := newTestPool(10 * time.Millisecond)
	stale := &fakeSession{}
	fresh := &fakeSession{}

	p.entries["stale"] = &poolEntry{session: stale, lastUsed: time.Now().Add(-time.Hour)}
	p.entries["fresh"] = &poolEntry{session: fresh, lastUsed: time.Now()}

	p.sweepIdle()

	_, staleStillPresent := p.entries["stale"]
	_, freshStillPresent := p.entries["fresh"]

	require.False(t, staleStillPresent)
	require.True(t, freshStillPresent)
	require.True(t, stale.isClosed())
	require.False(t, fresh.isClosed())
}

func TestPool_SweepIdle_KeepsEntriesUnderTTL(t *testing.T) {
	p := newTestPool(time.Hour)
	recent := &fakeSession{}
	p.entries["recent"] = &poolEntry{session: recent, lastUsed: time.Now()}

	p.sweepIdle()

	_, present := p.entries["recent"]
	require.True(t, present)
	require.False(t, recent.isClosed())
}

func TestPool_Acquire_ReusesPooledEntryAndBumpsLastUsed(t *testing.T) {
	p := newTestPool(time.Hour)
	sess := &fakeSession{}
	old := time.Now().Add(-time.Minute)
	p.entries["srv"] = &poolEntry{session: sess, lastUsed: old}

	got, err := p.acquire(context.Background(), ServerConfig{ServerID: "srv"})
	require.NoError(t, err)
	require.Same(t, sess, got)
	require.True(t, p.entries["srv"].lastUsed.After(old))
}

func TestPool_Disconnect_ClosesAndRemovesEntry(t *testing.T) {
	p := newTestPool(time.Hour)
	sess := &fakeSession{}
	p.entries["srv"] = &poolEntry{session: sess, lastUsed: time.Now()}

	p.Disconnect("srv")

	_, present := p.entries["srv"]
	require.False(t, present)
	require.True(t, sess.isClosed())
}

func TestPool_Cleanup_ClosesAllEntriesAndStopsSweeper(t *testing.T) {
	p := newTestPool(time.Hour)
	a, b := &fakeSession{}, &fakeSession{}
	p.entries["a"] = &poolEntry{session: a, lastUsed: time.Now()}
	p.entries["b"] = &poolEntry{session: b, lastUsed: time.Now()}

	p.Cleanup()

	require.Empty(t, p.entries)
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())

	select {
	case <-p.stopSweep:
	default:
		t.Fatal("expected stopSweep to be closed")
	}
}

func TestServerSlug_StripsSchemeAndPathAndPort(t *testing.T) {
	require.Equal(t, "mcp.example.com", ServerSlug("https://mcp.example.com/v1"))
	require.Equal(t, "mcp.example.com", ServerSlug("mcp.example.com:8443/rpc"))
	require.Equal(t, "localhost", ServerSlug("ws://localhost/stream"))
}
