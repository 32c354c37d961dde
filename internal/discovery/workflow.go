package discovery

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// QueryResult is the Temporal query name exposed by the discovery workflow
// and its group-discovery variant: getDiscoveryResult.
const QueryResult = "getDiscoveryResult"

// WorkflowName identifies the single-server discovery workflow for
// registration and ExecuteWorkflow calls.
const WorkflowName = "DiscoverMCPTools"

// GroupWorkflowName identifies the multi-server discovery workflow.
const GroupWorkflowName = "DiscoverMCPToolsGroup"

var defaultActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: discoverToolsTimeout,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 2,
	},
}

// Workflow runs discovery against a single server. It validates input
// synchronously (a workflow-task-local check, not an activity, since it
// touches no external state), then executes DiscoverTools and WriteCache as
// activities, keeping the query handler registered for the workflow's
// entire lifetime so late pollers still observe the terminal result.
func Workflow(ctx workflow.Context, req Request) (Result, error) {
	result := Result{Status: StatusRunning}
	if err := workflow.SetQueryHandler(ctx, QueryResult, func() (Result, error) {
		return result, nil
	}); err != nil {
		return Result{}, err
	}

	if verr := req.Validate(); verr != nil {
		result = Result{Status: StatusFailed, Error: verr.Error(), ErrorCode: ErrorCodeInvalidInput}
		return result, nil
	}

	actx := workflow.WithActivityOptions(ctx, defaultActivityOptions)

	var discovered DiscoverToolsOutput
	err := workflow.ExecuteActivity(actx, ActivityDiscoverTools, DiscoverToolsInput{Request: req}).Get(actx, &discovered)
	if err != nil {
		result = Result{Status: StatusFailed, Error: err.Error(), ErrorCode: classifyError(err)}
		return result, nil
	}

	result = Result{Status: StatusCompleted, Tools: discovered.Tools, ToolCount: len(discovered.Tools)}

	if req.CacheToken != "" {
		cacheCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 10 * time.Second,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
		})
		// Best-effort: WriteCache never returns an error, so this call never
		// fails the workflow even if the cache backend is unreachable.
		_ = workflow.ExecuteActivity(cacheCtx, ActivityWriteCache, WriteCacheInput{
			CacheToken: req.CacheToken,
			Result:     result,
		}).Get(cacheCtx, nil)
	}

	return result, nil
}

// GroupWorkflow runs discovery over multiple server configs as child
// workflows, collecting one entry per server. Partial failures are
// reported per entry; the envelope itself always completes once every
// entry has resolved.
func GroupWorkflow(ctx workflow.Context, req GroupRequest) (GroupResult, error) {
	group := GroupResult{Status: StatusRunning, Entries: make([]GroupEntryResult, len(req.Servers))}
	if err := workflow.SetQueryHandler(ctx, QueryResult, func() (GroupResult, error) {
		return group, nil
	}); err != nil {
		return GroupResult{}, err
	}

	futures := make([]workflow.ChildWorkflowFuture, len(req.Servers))
	for i, server := range req.Servers {
		cwo := workflow.ChildWorkflowOptions{WorkflowID: ""}
		cctx := workflow.WithChildOptions(ctx, cwo)
		futures[i] = workflow.ExecuteChildWorkflow(cctx, Workflow, server)
	}

	for i, fut := range futures {
		var entryResult Result
		label := req.Servers[i].label()
		if err := fut.Get(ctx, &entryResult); err != nil {
			entryResult = Result{Status: StatusFailed, Error: err.Error(), ErrorCode: classifyError(err)}
		}
		group.Entries[i] = GroupEntryResult{Label: label, Result: entryResult}
	}

	group.Status = StatusCompleted
	return group, nil
}

// classifyError maps an exhausted activity error to the discovery
// error-code taxonomy: application failures marked non-retryable map to
// ErrorCodeNonRetryable, everything else (retries exhausted on a transient
// failure) maps to ErrorCodeActivityFailed.
func classifyError(err error) ErrorCode {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return ErrorCodeNonRetryable
	}
	return ErrorCodeActivityFailed
}
