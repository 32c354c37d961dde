package discovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
)

func TestWorkflow_InvalidInputFailsWithoutCallingActivity(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	req := Request{Transport: mcpclient.TransportHTTP} // missing Endpoint

	env.ExecuteWorkflow(Workflow, req)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, ErrorCodeInvalidInput, result.ErrorCode)
}

func TestWorkflow_SuccessWritesResultAndCache(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	tools := []mcpclient.Tool{{Name: "scan_host", Description: "scan a host"}}
	env.OnActivity(ActivityDiscoverTools, mock.Anything, mock.Anything).Return(DiscoverToolsOutput{Tools: tools}, nil)
	env.OnActivity(ActivityWriteCache, mock.Anything, mock.Anything).Return(nil)

	req := Request{Transport: mcpclient.TransportHTTP, Endpoint: "https://mcp.example.com", CacheToken: "tok-1"}
	env.ExecuteWorkflow(Workflow, req)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 1, result.ToolCount)
	require.Equal(t, "scan_host", result.Tools[0].Name)
}

func TestWorkflow_ActivityFailureClassifiesAsActivityFailure(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()

	env.OnActivity(ActivityDiscoverTools, mock.Anything, mock.Anything).Return(DiscoverToolsOutput{}, errors.New("server unreachable"))

	req := Request{Transport: mcpclient.TransportStdio, Command: "mcp-server"}
	env.ExecuteWorkflow(Workflow, req)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result Result
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, ErrorCodeActivityFailed, result.ErrorCode)
}
