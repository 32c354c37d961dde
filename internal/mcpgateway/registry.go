package mcpgateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
)

// ToolRegistration is a single in-process-executed tool, created when a
// tool-provider node executes and removed by Store.RemoveRun.
type ToolRegistration struct {
	RunID           string
	NodeID          string
	ComponentID     string
	ToolName        string
	Description     string
	InputSchema     json.RawMessage
	Endpoint        string
	ContainerID     string
	ResolvedHeaders map[string]string
}

func (t ToolRegistration) key() string { return t.RunID + "|" + t.NodeID + "|" + t.ToolName }

// ExternalServerRef is an external MCP server a node referenced, exposed to
// the gateway as <serverSlug>__<toolName> entries.
type ExternalServerRef struct {
	ServerSlug string
	Config     mcpclient.ServerConfig
}

// Store holds local tool registrations and external server references,
// both scoped by run.
type Store struct {
	mu        sync.RWMutex
	tools     map[string]ToolRegistration          // key() -> registration
	byRun     map[string][]string                  // runID -> keys
	externals map[string][]ExternalServerRef        // runID -> external refs
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		tools:     map[string]ToolRegistration{},
		byRun:     map[string][]string{},
		externals: map[string][]ExternalServerRef{},
	}
}

// RegisterTool adds or replaces a tool registration.
func (s *Store) RegisterTool(t ToolRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := t.key()
	if _, exists := s.tools[k]; !exists {
		s.byRun[t.RunID] = append(s.byRun[t.RunID], k)
	}
	s.tools[k] = t
}

// RegisterExternalServer associates an external MCP server with a run so
// its tools are discoverable via tools/list.
func (s *Store) RegisterExternalServer(runID string, ref ExternalServerRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.externals[runID] {
		if existing.ServerSlug == ref.ServerSlug {
			return
		}
	}
	s.externals[runID] = append(s.externals[runID], ref)
}

// ToolsForRun returns every local tool registration visible to
// allowedNodeIDs within runID.
func (s *Store) ToolsForRun(runID string, allowedNodeIDs []string) []ToolRegistration {
	allowed := make(map[string]struct{}, len(allowedNodeIDs))
	for _, id := range allowedNodeIDs {
		allowed[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ToolRegistration
	for _, k := range s.byRun[runID] {
		t := s.tools[k]
		if _, ok := allowed[t.NodeID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ExternalServersForRun returns the external server references registered
// for runID.
func (s *Store) ExternalServersForRun(runID string) []ExternalServerRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ExternalServerRef(nil), s.externals[runID]...)
}

// Lookup resolves a local tool registration by (runID, nodeID, toolName).
func (s *Store) Lookup(runID, nodeID, toolName string) (ToolRegistration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[fmt.Sprintf("%s|%s|%s", runID, nodeID, toolName)]
	return t, ok
}

// RemoveRun deletes every registration and external ref for runID, called
// at run termination per "tool registrations never outlive their owning
// run."
func (s *Store) RemoveRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.byRun[runID] {
		delete(s.tools, k)
	}
	delete(s.byRun, runID)
	delete(s.externals, runID)
}
