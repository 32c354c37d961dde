package mcpgateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

// rpcEnvelope is the minimal JSON-RPC 2.0 request/response shape the
// gateway speaks over HTTP, matching the MCP streamable-HTTP transport.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Router mounts the gateway's MCP endpoint and the local tool registration
// endpoint. The session-token issuance endpoint is served separately by
// IssueSessionHandler.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/mcp", g.handleMCP)
	r.Post("/register-local", g.handleRegisterLocal)
	return r
}

// handleRegisterLocal serves POST /internal/mcp/register-local: a
// tool-provider node, once it has executed, declares itself callable for
// the rest of its run via a bearer session token scoped to that run.
func (g *Gateway) handleRegisterLocal(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authorize(bearerToken(r))
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid session token")
		return
	}

	var req struct {
		NodeID      string          `json:"nodeId"`
		ComponentID string          `json:"componentId"`
		ToolName    string          `json:"toolName"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.NodeID == "" || req.ToolName == "" {
		writeJSONError(w, http.StatusBadRequest, "nodeId and toolName are required")
		return
	}

	g.store.RegisterTool(ToolRegistration{
		RunID:       claims.RunID,
		NodeID:      req.NodeID,
		ComponentID: req.ComponentID,
		ToolName:    req.ToolName,
		Description: req.Description,
		InputSchema: req.InputSchema,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// IssueSessionHandler mounts a token-issuance endpoint, typically reached
// only from the orchestrator's own network, never from run-issued agent
// code.
func (g *Gateway) IssueSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RunID          string   `json:"runId"`
			OrganizationID string   `json:"organizationId"`
			AllowedNodeIDs []string `json:"allowedNodeIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.RunID == "" {
			writeJSONError(w, http.StatusBadRequest, "runId is required")
			return
		}
		token, err := g.issuer.Issue(req.RunID, req.OrganizationID, req.AllowedNodeIDs)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to issue session token")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}

func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	var env rpcEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeRPCError(w, nil, -32700, "parse error")
		return
	}

	switch env.Method {
	case "tools/list":
		tools, err := g.ListTools(r.Context(), token)
		if err != nil {
			writeRPCError(w, env.ID, rpcCodeFor(err), err.Error())
			return
		}
		writeRPCResult(w, env.ID, map[string]any{"tools": tools})

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &params); err != nil {
				writeRPCError(w, env.ID, -32602, "invalid params")
				return
			}
		}
		result, err := g.CallTool(r.Context(), token, params.Name, params.Arguments)
		if err != nil {
			writeRPCError(w, env.ID, rpcCodeFor(err), err.Error())
			return
		}
		writeRPCResult(w, env.ID, result)

	default:
		writeRPCError(w, env.ID, -32601, "method not found: "+env.Method)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return h
}

func rpcCodeFor(err error) int {
	serr, ok := err.(*shipsec.Error)
	if !ok {
		return -32000
	}
	switch serr.Kind {
	case shipsec.KindAuth:
		return -32001
	case shipsec.KindNotFound:
		return -32002
	case shipsec.KindValidation:
		return -32602
	default:
		return -32000
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	writeJSON(w, http.StatusOK, rpcReply{JSONRPC: "2.0", ID: id, Result: result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	writeJSON(w, http.StatusOK, rpcReply{JSONRPC: "2.0", ID: id, Error: &rpcErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
