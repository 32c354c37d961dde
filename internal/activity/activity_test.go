package activity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/ShipSecAI/studio-sub005/internal/mcpgateway"
	"github.com/ShipSecAI/studio-sub005/internal/runner"
	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/volume"
)

type fakeRegistry struct {
	defs map[string]shipsec.ComponentDefinition
}

func (f *fakeRegistry) Lookup(id string) (shipsec.ComponentDefinition, bool) {
	d, ok := f.defs[id]
	return d, ok
}

func echoComponent(id string) shipsec.ComponentDefinition {
	return shipsec.ComponentDefinition{
		ID:     id,
		Runner: shipsec.RunnerSpec{Kind: shipsec.RunnerInline},
		Execute: func(_ context.Context, params json.RawMessage, _ *shipsec.ExecutionContext) (json.RawMessage, error) {
			return params, nil
		},
	}
}

func newTestEnv(t *testing.T) *testsuite.TestActivityEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	return suite.NewTestActivityEnvironment()
}

func TestExecuteNodeActivity_UnknownComponentIsNonRetryable(t *testing.T) {
	reg := &fakeRegistry{defs: map[string]shipsec.ComponentDefinition{}}
	rt := NewRuntime(reg, runner.New(nil), nil, nil)

	env := newTestEnv(t)
	env.RegisterActivity(rt.ExecuteNodeActivity)

	_, err := env.ExecuteActivity(rt.ExecuteNodeActivity, Input{ComponentID: "missing", RunID: "run-1", NodeRef: "n1"})
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	require.True(t, appErr.NonRetryable())
}

func TestExecuteNodeActivity_SuccessReturnsResultAndRegistersTool(t *testing.T) {
	def := echoComponent("acme.echo.run")
	def.Tool = &shipsec.ToolProvider{ToolName: "echo", Description: "echoes input"}
	reg := &fakeRegistry{defs: map[string]shipsec.ComponentDefinition{def.ID: def}}
	store := mcpgateway.NewStore()
	rt := NewRuntime(reg, runner.New(nil), nil, nil, WithToolStore(store))

	env := newTestEnv(t)
	env.RegisterActivity(rt.ExecuteNodeActivity)

	input := Input{ComponentID: def.ID, RunID: "run-1", NodeRef: "n1", Params: json.RawMessage(`{"x":1}`)}
	val, err := env.ExecuteActivity(rt.ExecuteNodeActivity, input)
	require.NoError(t, err)
	var out Output
	require.NoError(t, val.Get(&out))
	require.JSONEq(t, `{"x":1}`, string(out.Result))

	tools := store.ToolsForRun("run-1", []string{"n1"})
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].ToolName)
	require.Equal(t, def.ID, tools[0].ComponentID)
}

func TestCallLocalTool_DispatchesToResolvedComponent(t *testing.T) {
	def := echoComponent("acme.echo.run")
	reg := &fakeRegistry{defs: map[string]shipsec.ComponentDefinition{def.ID: def}}
	rt := NewRuntime(reg, runner.New(nil), nil, nil)

	out, err := rt.CallLocalTool(context.Background(), mcpgateway.ToolRegistration{
		RunID:       "run-1",
		NodeID:      "n1",
		ComponentID: def.ID,
		ToolName:    "echo",
	}, json.RawMessage(`{"y":2}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"y":2}`, string(out))
}

func TestCallLocalTool_UnknownComponentFails(t *testing.T) {
	reg := &fakeRegistry{defs: map[string]shipsec.ComponentDefinition{}}
	rt := NewRuntime(reg, runner.New(nil), nil, nil)

	_, err := rt.CallLocalTool(context.Background(), mcpgateway.ToolRegistration{ComponentID: "missing"}, nil)
	require.Error(t, err)
}

func TestProvisionVolume_SeedsInputAndCleansUp(t *testing.T) {
	def := shipsec.ComponentDefinition{
		ID: "acme.scan.run",
		Runner: shipsec.RunnerSpec{
			Kind:      shipsec.RunnerContainer,
			Container: &shipsec.ContainerSpec{Image: "alpine"},
		},
	}
	reg := &fakeRegistry{defs: map[string]shipsec.ComponentDefinition{def.ID: def}}
	rt := NewRuntime(reg, runner.New(nil), nil, nil, WithVolumeManager(volume.New(t.TempDir())))

	spec, cleanup, err := rt.provisionVolume(def, Input{TenantID: "t1", RunID: "r1", Params: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	require.Len(t, spec.Container.Volumes, 1)
	require.Equal(t, inputVolumeTarget, spec.Container.Volumes[0].Target)
	require.True(t, spec.Container.Volumes[0].ReadOnly)
	cleanup()
}

func TestProvisionVolume_NoopWithoutManager(t *testing.T) {
	def := echoComponent("acme.echo.run")
	reg := &fakeRegistry{defs: map[string]shipsec.ComponentDefinition{def.ID: def}}
	rt := NewRuntime(reg, runner.New(nil), nil, nil)

	spec, cleanup, err := rt.provisionVolume(def, Input{})
	require.NoError(t, err)
	require.Nil(t, cleanup)
	require.Equal(t, def.Runner, spec)
}
