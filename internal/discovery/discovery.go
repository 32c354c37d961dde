// Package discovery implements the discovery workflow (C9): it launches the
// MCP client against an unknown server to enumerate its tool set behind an
// idempotent cache token, exposing a query handler so callers can poll
// status without blocking on the workflow's result.
package discovery

import (
	"github.com/ShipSecAI/studio-sub005/internal/mcpclient"
)

// Status is the discovery workflow's externally-visible lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorCode classifies why a discovery run failed, distinguishing
// validation/application failures (never worth retrying) from transient
// activity failures.
type ErrorCode string

const (
	ErrorCodeNonRetryable   ErrorCode = "NON_RETRYABLE_FAILURE"
	ErrorCodeActivityFailed ErrorCode = "ACTIVITY_FAILURE"
	ErrorCodeInvalidInput   ErrorCode = "INVALID_INPUT"
)

// Request is the discovery workflow's input, given one server to
// interrogate.
type Request struct {
	Transport  mcpclient.Transport
	Endpoint   string
	Command    string
	Args       []string
	Headers    map[string]string
	CacheToken string
	Image      string
}

// Validate checks transport-specific required fields, returning a
// validation error on violation, which the workflow reports as
// ErrorCodeInvalidInput.
func (r Request) Validate() error {
	switch r.Transport {
	case mcpclient.TransportHTTP, mcpclient.TransportSSE, mcpclient.TransportWebSocket:
		if r.Endpoint == "" {
			return newValidationError("endpoint is required for transport " + string(r.Transport))
		}
	case mcpclient.TransportStdio:
		if r.Command == "" {
			return newValidationError("command is required for stdio transport")
		}
	default:
		return newValidationError("unsupported transport: " + string(r.Transport))
	}
	return nil
}

func (r Request) serverConfig(serverID string) mcpclient.ServerConfig {
	return mcpclient.ServerConfig{
		ServerID:  serverID,
		Transport: r.Transport,
		Endpoint:  r.Endpoint,
		Command:   r.Command,
		Args:      r.Args,
		Headers:   r.Headers,
	}
}

// Result is the discovery workflow's query-handler response shape, polled
// by the admin surface via getDiscoveryResult.
type Result struct {
	Status    Status          `json:"status"`
	Tools     []mcpclient.Tool `json:"tools,omitempty"`
	ToolCount int             `json:"toolCount,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode ErrorCode       `json:"errorCode,omitempty"`
}

// validationError is the discovery-specific error returned by
// Request.Validate; the workflow checks input before running any activity
// and maps a validation failure straight to ErrorCodeInvalidInput.
type validationError struct{ message string }

func newValidationError(message string) error { return &validationError{message: message} }
func (e *validationError) Error() string       { return e.message }

// GroupRequest runs discovery over multiple server configs, reporting
// per-entry results; partial failures do not fail the overall envelope.
type GroupRequest struct {
	Servers []Request
}

// GroupEntryResult pairs one server's discovery result with an identifying
// label (its endpoint or command, since group requests have no separate id).
type GroupEntryResult struct {
	Label  string `json:"label"`
	Result Result `json:"result"`
}

// GroupResult is the query-handler response for group discovery; the
// envelope itself is always "completed" once every entry has resolved,
// even when individual entries report "failed".
type GroupResult struct {
	Status  Status             `json:"status"`
	Entries []GroupEntryResult `json:"entries"`
}

func (r Request) label() string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return r.Command
}
