// Package registry implements the process-wide component registry:
// immutable after process start, read concurrently by every node activity.
// Adapted from the teacher's runtime/registry.Manager (sync.RWMutex-guarded
// map, functional-option telemetry wiring), simplified to a load-once
// catalog since component definitions have no federation or remote sync
// concern here.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// ComponentCategory tags a definition for registry listing/filtering.
type ComponentCategory string

const (
	CategoryScanner     ComponentCategory = "scanner"
	CategoryTransform   ComponentCategory = "transform"
	CategoryAgent       ComponentCategory = "agent"
	CategoryHumanInput  ComponentCategory = "human-input"
	CategoryUtility     ComponentCategory = "utility"
)

// Static is the process-wide, read-only-after-load component registry.
// Satisfies internal/activity.Registry.
type Static struct {
	mu      sync.RWMutex
	byID    map[string]shipsec.ComponentDefinition
	logger  telemetry.Logger
}

// Option configures a Static registry.
type Option func(*Static)

func WithLogger(l telemetry.Logger) Option { return func(s *Static) { s.logger = l } }

// New constructs an empty registry. Definitions are added with Add before
// the registry is handed to any activity; Lookup is safe for concurrent use
// thereafter.
func New(opts ...Option) *Static {
	s := &Static{
		byID:   map[string]shipsec.ComponentDefinition{},
		logger: telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers one definition, keyed by its ID. Intended to be called only
// during process start, before the registry is shared across goroutines.
func (s *Static) Add(def shipsec.ComponentDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("component definition must have a non-empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[def.ID]; exists {
		return fmt.Errorf("component id %q already registered", def.ID)
	}
	s.byID[def.ID] = def
	return nil
}

// Lookup resolves a component definition by id.
func (s *Static) Lookup(componentID string) (shipsec.ComponentDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.byID[componentID]
	return def, ok
}

// List returns every registered definition's id, label, and category,
// sorted by id, for registry-listing endpoints.
func (s *Static) List() []ComponentSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ComponentSummary, 0, len(s.byID))
	for _, def := range s.byID {
		out = append(out, ComponentSummary{
			ID:       def.ID,
			Label:    def.Label,
			Category: ComponentCategory(def.Category),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ComponentSummary is the listing-shaped view of a ComponentDefinition.
type ComponentSummary struct {
	ID       string
	Label    string
	Category ComponentCategory
}

// manifestEntry is the on-disk shape of one component's non-code metadata.
// Execute logic for inline components is attached in Go with
// AttachExecute, not deserialized from the manifest.
type manifestEntry struct {
	ID       string              `json:"id"`
	Label    string              `json:"label"`
	Category string              `json:"category"`
	Runner   manifestRunner      `json:"runner"`
	Inputs   []manifestPort      `json:"inputs"`
	Outputs  []manifestPort      `json:"outputs"`
	Params   []manifestPort      `json:"params"`
	Tool     *manifestTool       `json:"tool,omitempty"`
}

type manifestRunner struct {
	Kind      string                  `json:"kind"`
	Container *shipsec.ContainerSpec  `json:"container,omitempty"`
	Remote    *shipsec.RemoteSpec     `json:"remote,omitempty"`
}

type manifestPort struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Required   bool   `json:"required"`
	Credential bool   `json:"credential"`
}

type manifestTool struct {
	ToolName    string          `json:"toolName"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// LoadManifest reads a JSON array of component manifests from path and adds
// each one to the registry. Inline components' Execute functions are not
// part of the manifest; callers must attach them after loading via
// AttachExecute, matching "Component registry: process-wide, read-only
// after startup" — the manifest supplies the static shape, Go code supplies
// behavior.
func (s *Static) LoadManifest(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read component manifest %q: %w", path, err)
	}
	var entries []manifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse component manifest %q: %w", path, err)
	}
	for _, e := range entries {
		def := shipsec.ComponentDefinition{
			ID:       e.ID,
			Label:    e.Label,
			Category: e.Category,
			Inputs:   toContract(e.ID+".inputs", e.Inputs),
			Outputs:  toContract(e.ID+".outputs", e.Outputs),
			Params:   toContract(e.ID+".params", e.Params),
			Runner: shipsec.RunnerSpec{
				Kind:      shipsec.RunnerKind(e.Runner.Kind),
				Container: e.Runner.Container,
				Remote:    e.Runner.Remote,
			},
		}
		if e.Tool != nil {
			def.Tool = &shipsec.ToolProvider{
				ToolName:    e.Tool.ToolName,
				Description: e.Tool.Description,
				InputSchema: e.Tool.InputSchema,
			}
		}
		if err := s.Add(def); err != nil {
			return fmt.Errorf("load component manifest %q: %w", path, err)
		}
	}
	return nil
}

// AttachExecute binds inline execution logic to an already-registered
// component definition. Returns an error if the id is unknown.
func (s *Static) AttachExecute(componentID string, execute shipsec.ExecuteFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.byID[componentID]
	if !ok {
		return fmt.Errorf("attach execute: unknown component id %q", componentID)
	}
	def.Execute = execute
	s.byID[componentID] = def
	return nil
}

func toContract(name string, ports []manifestPort) shipsec.Contract {
	c := shipsec.Contract{Name: name, Ports: make([]shipsec.Port, 0, len(ports))}
	for _, p := range ports {
		c.Ports = append(c.Ports, shipsec.Port{
			Name:       p.Name,
			Kind:       shipsec.PortKind(p.Kind),
			Required:   p.Required,
			Credential: p.Credential,
		})
	}
	return c
}
