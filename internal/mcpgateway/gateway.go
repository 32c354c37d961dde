// Package mcpgateway implements the reverse MCP gateway: a single MCP server
// endpoint per run that unions locally-registered tool-provider nodes with
// externally-discovered MCP servers, authenticated by a short-lived session
// token scoped to the run and its allowed node ids.
package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// toolNameSeparator joins an external server's slug and its tool name,
// matching the "<serverSlug>__<toolName>" convention so the gateway can
// route a tools/call back to the originating server without an extra
// lookup table.
const toolNameSeparator = "__"

// LocalCaller invokes an in-process tool-provider node's component logic.
// Implemented by the activity runtime for the node currently bound to a
// tool registration.
type LocalCaller interface {
	CallLocalTool(ctx context.Context, reg ToolRegistration, args json.RawMessage) (json.RawMessage, error)
}

// Gateway is the run-scoped MCP endpoint: it authenticates every request via
// TokenIssuer, then serves tools/list and tools/call against the union of
// Store's local and external tool sets.
type Gateway struct {
	issuer  *TokenIssuer
	store   *Store
	clients *mcpclient.Pool
	local   LocalCaller
	logger  telemetry.Logger
	tracer  telemetry.Tracer
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l telemetry.Logger) Option { return func(g *Gateway) { g.logger = l } }
func WithTracer(t telemetry.Tracer) Option { return func(g *Gateway) { g.tracer = t } }

// New constructs a Gateway. clients and local may be nil if this gateway
// instance never serves external-server or local-node tools respectively.
func New(issuer *TokenIssuer, store *Store, clients *mcpclient.Pool, local LocalCaller, opts ...Option) *Gateway {
	g := &Gateway{
		issuer:  issuer,
		store:   store,
		clients: clients,
		local:   local,
		logger:  telemetry.NoopLogger{},
		tracer:  telemetry.NoopTracer{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// listedTool is the wire shape returned by tools/list.
type listedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// authorize validates the bearer token and returns its claims, or a
// shipsec.KindAuth error.
func (g *Gateway) authorize(token string) (*SessionClaims, error) {
	if token == "" {
		return nil, shipsec.NewError(shipsec.KindAuth, "", "missing session token")
	}
	return g.issuer.Validate(token)
}

// ListTools serves the tools/list method: every locally registered tool
// visible to the token's allowed node ids, plus every tool discovered from
// each external server referenced by the run, prefixed with
// "<serverSlug>__".
func (g *Gateway) ListTools(ctx context.Context, token string) ([]listedTool, error) {
	claims, err := g.authorize(token)
	if err != nil {
		return nil, err
	}
	ctx, span := g.tracer.Start(ctx, "mcpgateway.tools_list")
	defer span.End()
	span.SetAttribute("run_id", claims.RunID)

	var out []listedTool
	for _, reg := range g.store.ToolsForRun(claims.RunID, claims.AllowedNodeIDs) {
		out = append(out, listedTool{Name: reg.ToolName, Description: reg.Description, InputSchema: reg.InputSchema})
	}

	if g.clients != nil {
		for _, ext := range g.store.ExternalServersForRun(claims.RunID) {
			tools, derr := g.clients.DiscoverTools(ctx, ext.Config)
			if derr != nil {
				g.logger.Warn(ctx, "external mcp server discovery failed during tools/list", "run_id", claims.RunID, "server", ext.ServerSlug, "error", derr.Error())
				continue
			}
			for _, t := range tools {
				out = append(out, listedTool{
					Name:        ext.ServerSlug + toolNameSeparator + t.Name,
					Description: t.Description,
					InputSchema: t.InputSchema,
				})
			}
		}
	}
	return out, nil
}

// callToolResult is the wire shape returned by tools/call.
type callToolResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError"`
}

// CallTool serves the tools/call method, splitting name on the first
// "__" to route to an external server, or treating it as an unprefixed
// local tool name otherwise.
func (g *Gateway) CallTool(ctx context.Context, token, name string, args json.RawMessage) (callToolResult, error) {
	claims, err := g.authorize(token)
	if err != nil {
		return callToolResult{}, err
	}
	ctx, span := g.tracer.Start(ctx, "mcpgateway.tools_call")
	defer span.End()
	span.SetAttribute("run_id", claims.RunID)
	span.SetAttribute("tool", name)

	slug, toolName, isExternal := splitToolName(name)
	if isExternal {
		return g.callExternal(ctx, claims, slug, toolName, args)
	}
	return g.callLocal(ctx, claims, name, args)
}

func splitToolName(name string) (slug, toolName string, isExternal bool) {
	idx := strings.Index(name, toolNameSeparator)
	if idx < 0 {
		return "", name, false
	}
	return name[:idx], name[idx+len(toolNameSeparator):], true
}

func (g *Gateway) callExternal(ctx context.Context, claims *SessionClaims, slug, toolName string, args json.RawMessage) (callToolResult, error) {
	if g.clients == nil {
		return callToolResult{}, shipsec.NewError(shipsec.KindConfiguration, "", "gateway has no external mcp client pool configured")
	}
	for _, ext := range g.store.ExternalServersForRun(claims.RunID) {
		if ext.ServerSlug != slug {
			continue
		}
		result, err := g.clients.CallTool(ctx, ext.Config, toolName, args)
		if err != nil {
			return callToolResult{}, err
		}
		return callToolResult{Content: result.Content, IsError: result.IsError}, nil
	}
	return callToolResult{}, shipsec.NewError(shipsec.KindNotFound, "", fmt.Sprintf("external mcp server %q not reachable from this run", slug))
}

func (g *Gateway) callLocal(ctx context.Context, claims *SessionClaims, toolName string, args json.RawMessage) (callToolResult, error) {
	if g.local == nil {
		return callToolResult{}, shipsec.NewError(shipsec.KindConfiguration, "", "gateway has no local tool caller configured")
	}
	allowed := make(map[string]struct{}, len(claims.AllowedNodeIDs))
	for _, id := range claims.AllowedNodeIDs {
		allowed[id] = struct{}{}
	}
	var match *ToolRegistration
	for _, reg := range g.store.ToolsForRun(claims.RunID, claims.AllowedNodeIDs) {
		if reg.ToolName == toolName {
			r := reg
			match = &r
			break
		}
	}
	if match == nil {
		return callToolResult{}, shipsec.NewError(shipsec.KindNotFound, "", fmt.Sprintf("tool %q is not registered for this run", toolName))
	}
	if _, ok := allowed[match.NodeID]; !ok {
		return callToolResult{}, shipsec.NewError(shipsec.KindAuth, "", fmt.Sprintf("tool %q is not within this session's allowed node ids", toolName))
	}
	result, err := g.local.CallLocalTool(ctx, *match, args)
	if err != nil {
		return callToolResult{}, err
	}
	var content []json.RawMessage
	if len(result) > 0 {
		content = []json.RawMessage{result}
	}
	return callToolResult{Content: content}, nil
}
