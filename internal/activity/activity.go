// Package activity implements the node activity: the Temporal activity
// executed once per graph node, which resolves the component, builds an
// ExecutionContext, dispatches through the runner layer, and records
// start/completion via the ingestors.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"

	"github.com/ShipSecAI/studio-sub005/internal/ingest"
	"github.com/ShipSecAI/studio-sub005/internal/mcpgateway"
	"github.com/ShipSecAI/studio-sub005/internal/runner"
	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
	"github.com/ShipSecAI/studio-sub005/internal/terminal"
	"github.com/ShipSecAI/studio-sub005/internal/volume"
)

// inputVolumeTarget is where a container-runner component's resolved
// parameters are bind-mounted, read-only, inside the container.
const inputVolumeTarget = "/shipsec-input"

// ActivityExecuteNode is the name ExecuteNodeActivity is registered under;
// the orchestrator's workflow code references activities by this name, not
// by Go function value.
const ActivityExecuteNode = "ExecuteNodeActivity"

// Register registers ExecuteNodeActivity with a worker under
// ActivityExecuteNode.
func (r *Runtime) Register(w worker.Worker) {
	w.RegisterActivityWithOptions(r.ExecuteNodeActivity, activity.RegisterOptions{Name: ActivityExecuteNode})
}

// Registry resolves a component definition by id. Satisfied by a
// process-wide component registry built at startup.
type Registry interface {
	Lookup(componentID string) (shipsec.ComponentDefinition, bool)
}

// CredentialResolver decrypts credential-bound inputs in-memory only.
type CredentialResolver interface {
	Resolve(ctx context.Context, organizationID string, ref string) (string, error)
}

// Input is the activity's typed input, built by the workflow for each node
// in the run graph.
type Input struct {
	RunID                string
	NodeRef              string
	ComponentID          string
	OrganizationID       string
	TenantID             string
	Params               json.RawMessage
	ConnectedToolNodeIDs []string
	Metadata             map[string]any
}

// Output is the activity's typed output.
type Output struct {
	Result json.RawMessage
}

// Runtime wires the node activity's collaborators.
type Runtime struct {
	registry    Registry
	dispatcher  *runner.Dispatcher
	audit       *ingest.AuditWriter
	credentials CredentialResolver
	terminalHub *terminal.Hub
	toolStore   *mcpgateway.Store
	volumes     *volume.Manager
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	tracer      telemetry.Tracer
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithCredentialResolver(c CredentialResolver) Option {
	return func(r *Runtime) { r.credentials = c }
}

// WithToolStore registers tool-provider nodes with the MCP gateway's store
// as they execute, and enables CallLocalTool to serve gateway-routed calls
// back into this runtime. Nil (the default) disables tool registration.
func WithToolStore(s *mcpgateway.Store) Option { return func(r *Runtime) { r.toolStore = s } }

// WithVolumeManager enables per-run isolated input volumes for
// container-runner components. Nil (the default) runs container components
// with no input bind-mount beyond whatever the component definition
// declares statically.
func WithVolumeManager(m *volume.Manager) Option { return func(r *Runtime) { r.volumes = m } }
func WithLogger(l telemetry.Logger) Option   { return func(r *Runtime) { r.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(r *Runtime) { r.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(r *Runtime) { r.tracer = t } }

// NewRuntime constructs a Runtime. audit and terminalHub may be nil, in
// which case node-io/log recording and terminal streaming are no-ops.
func NewRuntime(registry Registry, dispatcher *runner.Dispatcher, audit *ingest.AuditWriter, terminalHub *terminal.Hub, opts ...Option) *Runtime {
	r := &Runtime{
		registry:    registry,
		dispatcher:  dispatcher,
		audit:       audit,
		terminalHub: terminalHub,
		logger:      telemetry.NoopLogger{},
		metrics:     telemetry.NoopMetrics{},
		tracer:      telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ExecuteNodeActivity is registered with the workflow engine under this
// name and invoked once per graph node.
//
// Advanced & generated integration: normal workflow code should never call
// this directly; it is reached only through the orchestrator's activity
// dispatch.
func (r *Runtime) ExecuteNodeActivity(ctx context.Context, input Input) (Output, error) {
	ctx, span := r.tracer.Start(ctx, "activity.execute_node")
	defer span.End()
	span.SetAttribute("component_id", input.ComponentID)
	span.SetAttribute("run_id", input.RunID)
	span.SetAttribute("node_ref", input.NodeRef)

	def, ok := r.registry.Lookup(input.ComponentID)
	if !ok {
		err := shipsec.NewError(shipsec.KindNotFound, input.ComponentID, "unknown component id")
		return Output{}, r.terminalError(err)
	}

	if err := validateParams(def, input.Params); err != nil {
		verr := shipsec.NewError(shipsec.KindValidation, input.ComponentID, "parameter contract violation: "+err.Error())
		return Output{}, r.terminalError(verr)
	}

	ec := r.buildExecutionContext(ctx, input, def)

	runnerSpec, cleanupVolume, err := r.provisionVolume(def, input)
	if err != nil {
		verr := shipsec.Wrap(shipsec.KindConfiguration, input.ComponentID, err)
		return Output{}, r.terminalError(verr)
	}
	if cleanupVolume != nil {
		defer cleanupVolume()
	}

	startedAt := time.Now().UTC()
	r.recordStart(ctx, input, startedAt)

	execute := inlineExecuteFor(def)
	result, err := r.dispatcher.Dispatch(ctx, input.ComponentID, runnerSpec, execute, input.Params, def.Outputs, ec)
	if err != nil {
		serr := toShipsecError(input.ComponentID, err)
		policy := shipsec.DefaultRetryPolicy()
		if def.Retry != nil {
			policy = *def.Retry
		}
		r.recordCompletion(ctx, input, startedAt, nil, serr)
		if policy.Retryable(serr) {
			return Output{}, temporalRetryableError(serr)
		}
		return Output{}, temporalNonRetryableError(serr)
	}

	r.recordCompletion(ctx, input, startedAt, result, nil)

	if r.toolStore != nil && def.Tool != nil {
		r.toolStore.RegisterTool(mcpgateway.ToolRegistration{
			RunID:       input.RunID,
			NodeID:      input.NodeRef,
			ComponentID: def.ID,
			ToolName:    def.Tool.ToolName,
			Description: def.Tool.Description,
			InputSchema: def.Tool.InputSchema,
		})
	}

	return Output{Result: result}, nil
}

// CallLocalTool implements mcpgateway.LocalCaller: it re-resolves the
// component behind a tool registration and dispatches args through the same
// runner path as a graph node, on behalf of an agent node's tools/call.
// This is a direct invocation, not a scheduled activity: no start/completion
// audit records or terminal emissions are produced, since the call is
// already scoped and attributed by the owning agent activity's own
// recordings.
func (r *Runtime) CallLocalTool(ctx context.Context, reg mcpgateway.ToolRegistration, args json.RawMessage) (json.RawMessage, error) {
	def, ok := r.registry.Lookup(reg.ComponentID)
	if !ok {
		return nil, shipsec.NewError(shipsec.KindNotFound, reg.ComponentID, "tool's component id no longer registered")
	}
	ec := &shipsec.ExecutionContext{
		Context:        ctx,
		RunID:          reg.RunID,
		NodeRef:        reg.NodeID,
		Logger:         r.logger,
		Metadata:       map[string]any{},
	}
	execute := inlineExecuteFor(def)
	return r.dispatcher.Dispatch(ctx, def.ID, def.Runner, execute, args, def.Outputs, ec)
}

// provisionVolume creates a per-run isolated input volume for
// container-runner components, seeds it with the node's resolved
// parameters, and returns a copy of def.Runner with the mount appended to
// its Volumes. Returns the original spec and a nil cleanup func when no
// volume manager is configured or the component isn't container-run.
func (r *Runtime) provisionVolume(def shipsec.ComponentDefinition, input Input) (shipsec.RunnerSpec, func(), error) {
	if r.volumes == nil || def.Runner.Kind != shipsec.RunnerContainer || def.Runner.Container == nil {
		return def.Runner, nil, nil
	}
	vol, err := r.volumes.Create(input.TenantID, input.RunID)
	if err != nil {
		return def.Runner, nil, fmt.Errorf("create input volume: %w", err)
	}
	if err := vol.Initialize(map[string][]byte{"input.json": input.Params}); err != nil {
		_ = vol.Cleanup()
		return def.Runner, nil, fmt.Errorf("seed input volume: %w", err)
	}
	mount := vol.GetVolumeConfig(inputVolumeTarget, true)

	spec := *def.Runner.Container
	spec.Volumes = append(append([]shipsec.VolumeMount{}, spec.Volumes...), shipsec.VolumeMount{
		Source:   mount.Source,
		Target:   mount.TargetPath,
		ReadOnly: mount.ReadOnly,
	})
	runnerSpec := def.Runner
	runnerSpec.Container = &spec

	cleanup := func() {
		if cerr := vol.Cleanup(); cerr != nil {
			r.logger.Warn(context.Background(), "failed to clean up input volume", "run_id", input.RunID, "error", cerr.Error())
		}
	}
	return runnerSpec, cleanup, nil
}

func (r *Runtime) buildExecutionContext(ctx context.Context, input Input, def shipsec.ComponentDefinition) *shipsec.ExecutionContext {
	ec := &shipsec.ExecutionContext{
		Context:        ctx,
		RunID:          input.RunID,
		NodeRef:        input.NodeRef,
		OrganizationID: input.OrganizationID,
		TenantID:       input.TenantID,
		Logger:         r.logger,
		Metadata:       input.Metadata,
	}
	if ec.Metadata == nil {
		ec.Metadata = map[string]any{}
	}
	if len(input.ConnectedToolNodeIDs) > 0 {
		ec.Metadata["connectedToolNodeIds"] = input.ConnectedToolNodeIDs
	}

	ec.Progress = func(ev shipsec.ProgressEvent) {
		activity.RecordHeartbeat(ctx, ev.Message)
		r.logger.Info(ctx, "progress", "run_id", input.RunID, "node_ref", input.NodeRef, "message", ev.Message, "level", ev.Level)
	}

	if r.audit != nil {
		ec.CollectLog = func(entry shipsec.LogEntry) {
			r.audit.Write(ingest.Record{
				Kind:       string(ingest.KindLogs),
				NaturalKey: fmt.Sprintf("%s|%s|%s|%d", input.RunID, input.NodeRef, entry.Level, entry.At.UnixNano()),
				RunID:      input.RunID,
				NodeRef:    input.NodeRef,
				CreatedAt:  entry.At,
				Payload:    map[string]any{"level": entry.Level, "message": entry.Message, "fields": entry.Fields},
			})
		}
	}

	if r.terminalHub != nil {
		ec.Terminal = r.terminalHub.Emitter(ec, input.RunID, input.NodeRef, "component", string(def.Runner.Kind))
	}

	return ec
}

func (r *Runtime) recordStart(ctx context.Context, input Input, startedAt time.Time) {
	if r.audit == nil {
		return
	}
	r.audit.Write(ingest.Record{
		Kind:       string(ingest.KindNodeIO),
		NaturalKey: fmt.Sprintf("%s|%s|%s", input.RunID, input.NodeRef, startedAt.Format(time.RFC3339Nano)),
		RunID:      input.RunID,
		NodeRef:    input.NodeRef,
		CreatedAt:  startedAt,
		Payload:    map[string]any{"startedAt": startedAt, "inputs": json.RawMessage(input.Params)},
	})
}

func (r *Runtime) recordCompletion(ctx context.Context, input Input, startedAt time.Time, result json.RawMessage, err *shipsec.Error) {
	if r.audit == nil {
		return
	}
	payload := map[string]any{"startedAt": startedAt, "finishedAt": time.Now().UTC()}
	if err != nil {
		payload["error"] = map[string]any{"kind": string(err.Kind), "message": err.Message}
	} else {
		payload["outputs"] = result
	}
	r.audit.Write(ingest.Record{
		Kind:       string(ingest.KindNodeIO),
		NaturalKey: fmt.Sprintf("%s|%s|%s", input.RunID, input.NodeRef, startedAt.Format(time.RFC3339Nano)),
		RunID:      input.RunID,
		NodeRef:    input.NodeRef,
		CreatedAt:  startedAt,
		Payload:    payload,
	})
}

func (r *Runtime) terminalError(err *shipsec.Error) error {
	return temporalNonRetryableError(err)
}

// inlineExecuteFor returns a component's inline execution logic, or, for
// components lacking ExecuteFunc wiring, a stub that returns an empty JSON
// object without error (Container-kind components are invoked entirely
// inside the container and never call back into Go code).
func inlineExecuteFor(def shipsec.ComponentDefinition) shipsec.ExecuteFunc {
	if def.Runner.Kind == shipsec.RunnerInline && def.Execute != nil {
		return def.Execute
	}
	if def.Runner.Kind == shipsec.RunnerRemote && def.Execute != nil {
		// Remote's fallthrough stub dispatches to the component's inline
		// logic when one is declared as a fallback implementation.
		return def.Execute
	}
	// Container runner ignores this and invokes the entrypoint baked into
	// the image instead.
	return func(ctx context.Context, params json.RawMessage, ec *shipsec.ExecutionContext) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
}

func validateParams(def shipsec.ComponentDefinition, params json.RawMessage) error {
	// Parameter contract validation reuses the same port algebra as output
	// validation; delegated to the runner package's schema compiler via a
	// throwaway dispatch-time check would duplicate work, so node activity
	// validates params directly using encoding/json structural presence
	// checks for required ports.
	if len(def.Params.Ports) == 0 {
		return nil
	}
	var doc map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &doc); err != nil {
			return fmt.Errorf("params are not a JSON object: %w", err)
		}
	}
	for _, p := range def.Params.Ports {
		if p.Required {
			if _, ok := doc[p.Name]; !ok {
				return fmt.Errorf("missing required parameter %q", p.Name)
			}
		}
	}
	return nil
}

func toShipsecError(componentID string, err error) *shipsec.Error {
	if serr, ok := err.(*shipsec.Error); ok {
		return serr
	}
	return shipsec.Wrap(shipsec.KindService, componentID, err)
}

// temporalRetryableError returns err as a retryable Temporal application
// error so the worker's configured retry policy applies.
func temporalRetryableError(err *shipsec.Error) error {
	return temporal.NewApplicationError(err.Error(), string(err.Kind), false, err)
}

// temporalNonRetryableError marks err as non-retryable at the Temporal
// activity boundary, matching "honor the component's retry policy by...
// wrapping non-retryable ones as terminal."
func temporalNonRetryableError(err *shipsec.Error) error {
	return temporal.NewApplicationError(err.Error(), string(err.Kind), true, err)
}
