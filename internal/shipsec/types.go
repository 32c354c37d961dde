package shipsec

import (
	"context"
	"encoding/json"
	"time"
)

// PortKind is the small type algebra for component input/output ports.
type PortKind string

const (
	PortText      PortKind = "text"
	PortNumber    PortKind = "number"
	PortBoolean   PortKind = "boolean"
	PortSecret    PortKind = "secret"
	PortJSON      PortKind = "json"
	PortAny       PortKind = "any"
	PortFile      PortKind = "file"
	PortList      PortKind = "list"
	PortMap       PortKind = "map"
	PortContract  PortKind = "contract"
)

// Port describes one named slot in a component's input or output contract.
type Port struct {
	Name string
	Kind PortKind
	// Of is the element type for List, the value type for Map, or the named
	// schema for Contract. Nil for primitive kinds.
	Of *Port
	// Key is the key type for Map ports; unused otherwise.
	Key      *Port
	Required bool
	// Credential marks a Secret or credential-flagged Contract port, which
	// infers credential binding rather than action binding.
	Credential bool
}

// Contract is a validated, named record of ports (input, output, or
// parameter contract).
type Contract struct {
	Name  string
	Ports []Port
}

// BindingKind classifies how a contract port is wired at graph-build time.
type BindingKind string

const (
	BindingCredential BindingKind = "credential"
	BindingAction     BindingKind = "action"
)

// Binding returns the binding kind inferred for a port: secret and
// credential-flagged contract ports infer Credential; everything else
// infers Action.
func (p Port) Binding() BindingKind {
	if p.Kind == PortSecret || (p.Kind == PortContract && p.Credential) {
		return BindingCredential
	}
	return BindingAction
}

// RunnerKind tags the Runner variant.
type RunnerKind string

const (
	RunnerInline    RunnerKind = "inline"
	RunnerContainer RunnerKind = "container"
	RunnerRemote    RunnerKind = "remote"
)

// NetworkMode is the container network mode.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
	NetworkHost   NetworkMode = "host"
)

// VolumeMount describes one additional volume attached to a container run,
// beyond the isolated input volume managed by the volume manager.
type VolumeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is the Container variant of RunnerSpec.
type ContainerSpec struct {
	Image          string
	Entrypoint     []string
	Command        []string
	Env            map[string]string
	Network        NetworkMode
	Platform       string
	Volumes        []VolumeMount
	TimeoutSeconds int
	// StdinJSON controls whether resolved inputs are serialized to stdin
	// (true) or stdin is closed immediately (false). The zero value is
	// false, so a spec that leaves it unset gets a closed stdin; no default
	// of true is applied. Ignored in PTY mode, where stdin is never written
	// to avoid polluting terminal output.
	StdinJSON bool
	// PTY requests a pseudo-terminal attach instead of piped stdio.
	PTY bool
}

// RemoteSpec is the Remote variant of RunnerSpec. Reserved: outside
// production the dispatcher falls through to Inline and logs a warning; in
// production it refuses the spec (see C1 §4.1).
type RemoteSpec struct {
	Endpoint string
}

// RunnerSpec is a tagged union: exactly one of Container/Remote is set
// depending on Kind. Inline carries no payload.
type RunnerSpec struct {
	Kind      RunnerKind
	Container *ContainerSpec
	Remote    *RemoteSpec
}

// ToolProvider declares how a component appears as an MCP tool when placed
// on the canvas as a tool-provider node.
type ToolProvider struct {
	ToolName    string
	Description string
	// InputSchema is the JSON-Schema describing the tool's arguments,
	// normally derived from the component's input contract.
	InputSchema json.RawMessage
}

// ComponentDefinition is the immutable descriptor loaded into the
// process-wide registry at startup.
type ComponentDefinition struct {
	ID       string // <namespace>.<family>.<verb>
	Label    string
	Category string
	Inputs   Contract
	Outputs  Contract
	Params   Contract
	Runner   RunnerSpec
	Retry    *RetryPolicy
	Tool     *ToolProvider
	// Execute is the component's inline execution logic. Only meaningful
	// when Runner.Kind is RunnerInline; Container components instead ship
	// an entrypoint baked into their image.
	Execute ExecuteFunc
}

// ExecuteFunc is the component's inline execution logic, invoked directly by
// the runner dispatcher for Inline runners and wrapped by the container
// entrypoint for Container runners.
type ExecuteFunc func(ctx context.Context, params json.RawMessage, ec *ExecutionContext) (json.RawMessage, error)

// Stream identifies which output stream a terminal chunk originated from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamPTY    Stream = "pty"
)

// ProgressEvent is emitted by a component to report human-readable progress.
type ProgressEvent struct {
	Message string
	Level   string // "info", "warn", "error"
}

// LogEntry is a structured telemetry record forwarded to the log ingestor.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
	At      time.Time
}

// TerminalEmitFunc pushes one terminal stream write for a given stream kind;
// constructed per (runId, nodeRef, stream) by the terminal chunk emitter
// factory (C4).
type TerminalEmitFunc func(payload []byte)

// ExecutionContext is the per-activity record built by the node activity
// (C6) and passed down through the runner dispatcher to component code. It
// is created at activity entry and destroyed at activity exit; it is never
// shared across activities.
type ExecutionContext struct {
	Context context.Context

	RunID           string
	NodeRef         string
	OrganizationID  string
	TenantID        string

	Logger Logger

	// Progress reports a human-readable progress event. Nil-safe: callers
	// should use EmitProgress instead of calling this directly.
	Progress func(ProgressEvent)
	// CollectLog forwards one structured log entry to the ingestors. Nil-safe.
	CollectLog func(LogEntry)
	// Terminal returns an emitter bound to the given stream kind, memoized
	// per stream so chunk ordering state is maintained correctly across
	// calls within one activity.
	Terminal func(stream Stream) TerminalEmitFunc

	// Fetch is an HTTP fetch helper bound to the execution's tracing and
	// auth context.
	Fetch func(ctx context.Context, method, url string, body []byte) ([]byte, int, error)

	// Metadata carries arbitrary per-run data, e.g. connectedToolNodeIds for
	// AI-agent nodes and agent overrides.
	Metadata map[string]any
}

// EmitProgress reports a progress event, tolerating a nil ExecutionContext
// or nil callback (no-op in that case, per "must never stall on telemetry
// backpressure").
func (ec *ExecutionContext) EmitProgress(ev ProgressEvent) {
	if ec == nil || ec.Progress == nil {
		return
	}
	ec.Progress(ev)
}

// EmitLog forwards a structured log entry, tolerating a nil context.
func (ec *ExecutionContext) EmitLog(entry LogEntry) {
	if ec == nil || ec.CollectLog == nil {
		return
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	ec.CollectLog(entry)
}

// ConnectedToolNodeIDs returns the allowedNodeIds metadata entry set for
// AI-agent nodes, or nil if absent.
func (ec *ExecutionContext) ConnectedToolNodeIDs() []string {
	if ec == nil || ec.Metadata == nil {
		return nil
	}
	v, ok := ec.Metadata["connectedToolNodeIds"]
	if !ok {
		return nil
	}
	ids, _ := v.([]string)
	return ids
}

// Logger is the structured logging interface used across the runtime. It is
// satisfied by internal/telemetry.Logger; declared here too so shipsec has
// no dependency on the telemetry package.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}
