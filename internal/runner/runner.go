// Package runner implements the dispatch layer that routes a resolved
// component invocation to its inline, container, or remote execution
// strategy.
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ContainerRunner delegates a container-kind invocation to the container
// executor (internal/container). Declared as an interface here so this
// package has no import-time dependency on the Docker client.
type ContainerRunner interface {
	Run(ctx context.Context, spec shipsec.ContainerSpec, stdin json.RawMessage, ec *shipsec.ExecutionContext) (json.RawMessage, error)
}

// Dispatcher routes component invocations by runner kind.
type Dispatcher struct {
	container  ContainerRunner
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	tracer     telemetry.Tracer
	production bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithMetrics sets the dispatcher's metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithTracer sets the dispatcher's tracer. Defaults to noop.
func WithTracer(t telemetry.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// WithProduction marks the dispatcher as running in a production
// environment, causing Remote specs to be refused instead of falling
// through to Inline.
func WithProduction(production bool) Option {
	return func(d *Dispatcher) { d.production = production }
}

// New constructs a Dispatcher. container may be nil if no component in the
// registry declares a Container runner.
func New(container ContainerRunner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		container: container,
		logger:    telemetry.NoopLogger{},
		metrics:   telemetry.NoopMetrics{},
		tracer:    telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch routes spec to the appropriate runner, then re-validates the
// returned output against outputs before handing it back to the caller.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	componentID string,
	spec shipsec.RunnerSpec,
	execute shipsec.ExecuteFunc,
	params json.RawMessage,
	outputs shipsec.Contract,
	ec *shipsec.ExecutionContext,
) (json.RawMessage, error) {
	ctx, span := d.tracer.Start(ctx, "runner.dispatch")
	defer span.End()
	span.SetAttribute("component_id", componentID)
	span.SetAttribute("runner_kind", string(spec.Kind))

	out, err := d.dispatchByKind(ctx, componentID, spec, execute, params, ec)
	if err != nil {
		d.metrics.IncCounter("runner_dispatch_errors_total", map[string]string{"kind": string(spec.Kind)})
		span.RecordError(err)
		return nil, err
	}

	if err := validateContract(outputs, out); err != nil {
		verr := shipsec.NewError(shipsec.KindValidation, componentID, "output contract violation: "+err.Error())
		span.RecordError(verr)
		return nil, verr
	}
	return out, nil
}

func (d *Dispatcher) dispatchByKind(
	ctx context.Context,
	componentID string,
	spec shipsec.RunnerSpec,
	execute shipsec.ExecuteFunc,
	params json.RawMessage,
	ec *shipsec.ExecutionContext,
) (json.RawMessage, error) {
	switch spec.Kind {
	case shipsec.RunnerInline:
		return execute(ctx, params, ec)

	case shipsec.RunnerContainer:
		if spec.Container == nil {
			return nil, shipsec.NewError(shipsec.KindConfiguration, componentID, "container runner spec missing container payload")
		}
		if d.container == nil {
			return nil, shipsec.NewError(shipsec.KindConfiguration, componentID, "no container executor configured")
		}
		return d.container.Run(ctx, *spec.Container, params, ec)

	case shipsec.RunnerRemote:
		if d.production {
			return nil, shipsec.NewError(shipsec.KindConfiguration, componentID, "remote runner is refused in production")
		}
		ec.EmitProgress(shipsec.ProgressEvent{
			Message: fmt.Sprintf("remote runner not implemented for %s, falling back to inline", componentID),
			Level:   "warn",
		})
		d.logger.Warn(ctx, "remote runner stub falling through to inline", "component_id", componentID)
		return execute(ctx, params, ec)

	default:
		return nil, shipsec.NewError(shipsec.KindConfiguration, componentID, fmt.Sprintf("unsupported runner kind %q", spec.Kind))
	}
}

// validateContract validates raw against the JSON-Schema implied by
// contract's ports. An empty contract accepts any (including empty) output.
func validateContract(contract shipsec.Contract, raw json.RawMessage) error {
	if len(contract.Ports) == 0 {
		return nil
	}
	schema, err := schemaFor(contract)
	if err != nil {
		return err
	}
	var doc any
	if len(raw) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("result is not valid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// schemaFor compiles a jsonschema.Schema from a Contract's ports.
func schemaFor(contract shipsec.Contract) (*jsonschema.Schema, error) {
	raw := contractToJSONSchema(contract)
	c := jsonschema.NewCompiler()
	name := contract.Name
	if name == "" {
		name = "contract"
	}
	resource := "mem://" + name + ".json"
	if err := c.AddResource(resource, raw); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

func contractToJSONSchema(contract shipsec.Contract) map[string]any {
	props := map[string]any{}
	var required []string
	for _, p := range contract.Ports {
		props[p.Name] = portSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func portSchema(p shipsec.Port) map[string]any {
	switch p.Kind {
	case shipsec.PortText, shipsec.PortSecret, shipsec.PortFile:
		return map[string]any{"type": "string"}
	case shipsec.PortNumber:
		return map[string]any{"type": "number"}
	case shipsec.PortBoolean:
		return map[string]any{"type": "boolean"}
	case shipsec.PortJSON, shipsec.PortContract:
		return map[string]any{"type": "object"}
	case shipsec.PortList:
		items := map[string]any{}
		if p.Of != nil {
			items = portSchema(*p.Of)
		}
		return map[string]any{"type": "array", "items": items}
	case shipsec.PortMap:
		additional := map[string]any{}
		if p.Of != nil {
			additional = portSchema(*p.Of)
		}
		return map[string]any{"type": "object", "additionalProperties": additional}
	default:
		return map[string]any{}
	}
}
