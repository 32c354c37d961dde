package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// discoverToolsTimeout bounds the connect+tools/list activity per
// "discovery bounded per activity (30 s)".
const discoverToolsTimeout = 30 * time.Second

// Activity names, registered explicitly by name rather than by function
// reference so the workflow can refer to them without importing the
// concrete Activities receiver.
const (
	ActivityDiscoverTools = "DiscoverMCPTools.DiscoverTools"
	ActivityWriteCache    = "DiscoverMCPTools.WriteCache"
)

// Register registers the discovery workflows and this Activities value's
// methods with w under their fixed names.
func (a *Activities) Register(w worker.Worker) {
	w.RegisterWorkflowWithOptions(Workflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterWorkflowWithOptions(GroupWorkflow, workflow.RegisterOptions{Name: GroupWorkflowName})
	w.RegisterActivityWithOptions(a.DiscoverTools, activity.RegisterOptions{Name: ActivityDiscoverTools})
	w.RegisterActivityWithOptions(a.WriteCache, activity.RegisterOptions{Name: ActivityWriteCache})
}

// Activities wires the discovery workflow's activities to a shared MCP
// client pool and cache.
type Activities struct {
	clients *mcpclient.Pool
	cache   Cache
	logger  telemetry.Logger
}

// NewActivities constructs Activities. cache may be nil, in which case
// WriteCache is a no-op.
func NewActivities(clients *mcpclient.Pool, cache Cache, logger telemetry.Logger) *Activities {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Activities{clients: clients, cache: cache, logger: logger}
}

// DiscoverToolsInput is the DiscoverTools activity's input.
type DiscoverToolsInput struct {
	Request Request
}

// DiscoverToolsOutput is the DiscoverTools activity's output.
type DiscoverToolsOutput struct {
	Tools []mcpclient.Tool
}

// DiscoverTools connects to the server named in input.Request and calls
// tools/list, bounded by discoverToolsTimeout. When the request carries a
// cache token with an unexpired cached result, that result's tools are
// returned without contacting the server.
func (a *Activities) DiscoverTools(ctx context.Context, input DiscoverToolsInput) (DiscoverToolsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverToolsTimeout)
	defer cancel()

	if a.cache != nil && input.Request.CacheToken != "" {
		if cached, err := a.cache.Get(ctx, input.Request.CacheToken); err == nil && cached != nil {
			return DiscoverToolsOutput{Tools: cached.Tools}, nil
		}
	}

	serverID := input.Request.CacheToken
	if serverID == "" {
		serverID = uuid.NewString()
	}
	tools, err := a.clients.DiscoverTools(ctx, input.Request.serverConfig(serverID))
	if err != nil {
		return DiscoverToolsOutput{}, fmt.Errorf("discover tools: %w", err)
	}
	return DiscoverToolsOutput{Tools: tools}, nil
}

// WriteCacheInput is the WriteCache activity's input.
type WriteCacheInput struct {
	CacheToken string
	Result     Result
	TTL        time.Duration
}

// WriteCache persists a discovery result to the cache. Failures are logged
// and swallowed per "cache write failures are logged and do not fail the
// workflow" — the activity itself never returns an error so the workflow
// never retries or fails on a cache outage.
func (a *Activities) WriteCache(ctx context.Context, input WriteCacheInput) error {
	if a.cache == nil || input.CacheToken == "" {
		return nil
	}
	ttl := input.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	result := input.Result
	if err := a.cache.Set(ctx, input.CacheToken, &result, ttl); err != nil {
		a.logger.Warn(ctx, "discovery cache write failed", "cache_token", input.CacheToken, "error", err.Error())
	}
	return nil
}
