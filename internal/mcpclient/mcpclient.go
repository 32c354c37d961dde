// Package mcpclient implements the transport-agnostic MCP client: it opens
// connections over stream-HTTP, SSE, WebSocket, or stdio, pools them keyed
// by server id with idle eviction, and exposes healthCheck/discoverTools/
// callTool/disconnect operations to the gateway (C8) and to agent tool
// nodes.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
	"github.com/ShipSecAI/studio-sub005/internal/telemetry"
)

// Transport names the wire protocol used to reach an MCP server.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
	TransportStdio     Transport = "stdio"
)

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	ServerID string
	Transport Transport
	Endpoint  string            // http, sse, websocket
	Command   string            // stdio
	Args      []string          // stdio
	Headers   map[string]string
}

// Tool is the normalized shape returned by discovery.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

const (
	healthCheckTimeout = 10 * time.Second
	callToolTimeout    = 60 * time.Second
	defaultIdleTTL     = 5 * time.Minute
)

// pooledSession is the subset of *mcp.ClientSession the pool depends on,
// extracted so idle-eviction and pooling behavior can be exercised with a
// fake session in tests instead of a live MCP connection.
type pooledSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// poolEntry is one pooled connection.
type poolEntry struct {
	session  pooledSession
	lastUsed time.Time
}

// Pool maintains MCP connections keyed by server id, evicting entries idle
// past idleTTL via a periodic sweeper goroutine.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	idleTTL time.Duration
	logger  telemetry.Logger
	tracer  telemetry.Tracer

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

func WithIdleTTL(d time.Duration) Option      { return func(p *Pool) { p.idleTTL = d } }
func WithLogger(l telemetry.Logger) Option     { return func(p *Pool) { p.logger = l } }
func WithTracer(t telemetry.Tracer) Option     { return func(p *Pool) { p.tracer = t } }

// NewPool constructs a Pool and starts its sweeper goroutine.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		entries:   map[string]*poolEntry{},
		idleTTL:   defaultIdleTTL,
		logger:    telemetry.NoopLogger{},
		tracer:    telemetry.NoopTracer{},
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.sweepLoop()
	return p
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, e := range p.entries {
		if now.Sub(e.lastUsed) >= p.idleTTL {
			_ = e.session.Close()
			delete(p.entries, id)
		}
	}
}

func (p *Pool) acquire(ctx context.Context, cfg ServerConfig) (pooledSession, error) {
	p.mu.Lock()
	if e, ok := p.entries[cfg.ServerID]; ok {
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return e.session, nil
	}
	p.mu.Unlock()

	session, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[cfg.ServerID] = &poolEntry{session: session, lastUsed: time.Now()}
	p.mu.Unlock()
	return session, nil
}

func connect(ctx context.Context, cfg ServerConfig) (pooledSession, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "shipsec-runner", Version: "1.0"}, nil)

	var transport mcp.Transport
	switch cfg.Transport {
	case TransportHTTP:
		transport = mcp.NewStreamableClientTransport(cfg.Endpoint, headerTransportOptions(cfg.Headers))
	case TransportSSE:
		transport = mcp.NewSSEClientTransport(cfg.Endpoint, nil)
	case TransportWebSocket:
		return nil, websocketNotPooled(cfg)
	case TransportStdio:
		if cfg.Command == "" {
			return nil, shipsec.NewError(shipsec.KindConfiguration, cfg.ServerID, "stdio transport requires a command")
		}
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		transport = &mcp.CommandTransport{Command: cmd}
	default:
		return nil, shipsec.NewError(shipsec.KindConfiguration, cfg.ServerID, fmt.Sprintf("unsupported transport %q", cfg.Transport))
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		// Errors during open eagerly close the created client before
		// propagating.
		return nil, shipsec.Wrap(shipsec.KindService, cfg.ServerID, fmt.Errorf("connect to mcp server: %w", err))
	}
	return session, nil
}

// headerRoundTripper injects resolved headers (e.g. auth for an external
// MCP server) into every outbound request.
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (rt headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	next := rt.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

func headerTransportOptions(headers map[string]string) *mcp.StreamableClientTransportOptions {
	if len(headers) == 0 {
		return nil
	}
	return &mcp.StreamableClientTransportOptions{
		HTTPClient: &http.Client{Transport: headerRoundTripper{headers: headers}},
	}
}

// websocketNotPooled handles the websocket transport, which this module
// wraps directly with gorilla/websocket rather than through the MCP SDK's
// transport interface, since MCP's spec does not define a websocket
// binding; we frame JSON-RPC messages one-per-text-frame, matching the
// pattern agent tool nodes expect for bidirectional streaming servers.
func websocketNotPooled(cfg ServerConfig) error {
	return shipsec.NewError(shipsec.KindConfiguration, cfg.ServerID, "websocket transport requires WebSocketCaller, not the pooled session interface")
}

// HealthCheck opens (or reuses) a connection and calls tools/list bounded
// by a 10s timeout; on any failure the cached connection is evicted.
func (p *Pool) HealthCheck(ctx context.Context, cfg ServerConfig) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "mcpclient.health_check")
	defer span.End()

	session, err := p.acquire(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := session.ListTools(ctx, &mcp.ListToolsParams{}); err != nil {
		p.Disconnect(cfg.ServerID)
		span.RecordError(err)
		return shipsec.Wrap(shipsec.KindService, cfg.ServerID, fmt.Errorf("unhealthy: %w", err))
	}
	return nil
}

// DiscoverTools returns the normalized tool set exposed by cfg's server.
func (p *Pool) DiscoverTools(ctx context.Context, cfg ServerConfig) ([]Tool, error) {
	session, err := p.acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, shipsec.Wrap(shipsec.KindService, cfg.ServerID, fmt.Errorf("tools/list: %w", err))
	}
	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		var schema json.RawMessage
		if t.InputSchema != nil {
			schema, _ = json.Marshal(t.InputSchema)
		}
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return tools, nil
}

// CallResult is the normalized content returned by a tool call.
type CallResult struct {
	Content []json.RawMessage
	IsError bool
}

// CallTool invokes name on cfg's server with args, bounded by a 60s
// timeout.
func (p *Pool) CallTool(ctx context.Context, cfg ServerConfig, name string, args json.RawMessage) (CallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "mcpclient.call_tool")
	defer span.End()
	span.SetAttribute("tool", name)

	session, err := p.acquire(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		return CallResult{}, err
	}

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return CallResult{}, shipsec.NewError(shipsec.KindValidation, cfg.ServerID, "tool arguments are not a JSON object: "+err.Error())
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: argMap})
	if err != nil {
		span.RecordError(err)
		return CallResult{}, shipsec.Wrap(shipsec.KindService, cfg.ServerID, fmt.Errorf("tools/call: %w", err))
	}

	content := make([]json.RawMessage, 0, len(result.Content))
	for _, c := range result.Content {
		raw, merr := json.Marshal(c)
		if merr != nil {
			continue
		}
		content = append(content, raw)
	}
	return CallResult{Content: content, IsError: result.IsError}, nil
}

// Disconnect closes and removes serverID from the pool.
func (p *Pool) Disconnect(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[serverID]; ok {
		_ = e.session.Close()
		delete(p.entries, serverID)
	}
}

// Cleanup stops the sweeper and closes every pooled connection.
func (p *Pool) Cleanup() {
	p.sweepOnce.Do(func() { close(p.stopSweep) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		_ = e.session.Close()
		delete(p.entries, id)
	}
}

// WebSocketCaller is a minimal JSON-RPC-over-WebSocket client for MCP
// servers reachable only over a raw websocket (no streamable-HTTP/SSE
// binding), framing one JSON-RPC message per text frame.
type WebSocketCaller struct {
	conn *websocket.Conn
	mu   sync.Mutex
	id   uint64
}

// DialWebSocket opens a websocket connection and performs the MCP
// initialize handshake.
func DialWebSocket(ctx context.Context, endpoint string, headers map[string]string) (*WebSocketCaller, error) {
	h := make(map[string][]string, len(headers))
	for k, v := range headers {
		h[k] = []string{v}
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, h)
	if err != nil {
		return nil, shipsec.Wrap(shipsec.KindService, "", fmt.Errorf("dial websocket mcp endpoint: %w", err))
	}
	c := &WebSocketCaller{conn: conn}
	if err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "shipsec-runner", "version": "1.0"},
	}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mcp initialize over websocket failed: %w", err)
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *WebSocketCaller) nextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id++
	return c.id
}

func (c *WebSocketCaller) call(ctx context.Context, method string, params, result any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: c.nextID(), Params: params}
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write mcp request: %w", err)
	}
	var resp rpcResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read mcp response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if result != nil && resp.Result != nil {
		return json.Unmarshal(resp.Result, result)
	}
	return nil
}

// CallTool invokes name with args over the websocket connection.
func (c *WebSocketCaller) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return CallResult{}, shipsec.NewError(shipsec.KindValidation, "", "tool arguments are not a JSON object: "+err.Error())
		}
	}
	var raw json.RawMessage
	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": argMap}, &raw); err != nil {
		return CallResult{}, shipsec.Wrap(shipsec.KindService, "", err)
	}
	var decoded struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CallResult{}, shipsec.NewError(shipsec.KindValidation, "", "malformed tools/call result: "+err.Error())
	}
	return CallResult{Content: decoded.Content, IsError: decoded.IsError}, nil
}

// Close closes the underlying websocket connection.
func (c *WebSocketCaller) Close() error { return c.conn.Close() }

// ServerSlug derives the gateway tool-name prefix for an external MCP
// server from its endpoint, e.g. "mcp.example.com" from
// "https://mcp.example.com/v1".
func ServerSlug(endpoint string) string {
	return serverSlug(endpoint)
}

func serverSlug(endpoint string) string {
	s := strings.TrimPrefix(endpoint, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "ws://")
	s = strings.TrimPrefix(s, "wss://")
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return s
}
