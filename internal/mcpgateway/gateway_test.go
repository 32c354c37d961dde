package mcpgateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShipSecAI/studio-sub005/internal/shipsec"
)

type stubLocalCaller struct {
	result json.RawMessage
	err    error
	called *ToolRegistration
}

func (s *stubLocalCaller) CallLocalTool(ctx context.Context, reg ToolRegistration, args json.RawMessage) (json.RawMessage, error) {
	r := reg
	s.called = &r
	return s.result, s.err
}

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer([]byte("test-secret"), time.Minute)
	require.NoError(t, err)
	return issuer
}

func TestTokenIssuer_IssueAndValidate(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.Issue("run-1", "org-1", []string{"node-a"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "run-1", claims.RunID)
	require.Equal(t, []string{"node-a"}, claims.AllowedNodeIDs)
}

func TestTokenIssuer_RejectsExpiredToken(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), time.Millisecond)
	require.NoError(t, err)
	token, err := issuer.Issue("run-1", "org-1", nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = issuer.Validate(token)
	require.Error(t, err)
	serr, ok := err.(*shipsec.Error)
	require.True(t, ok)
	require.Equal(t, shipsec.KindAuth, serr.Kind)
}

func TestTokenIssuer_RejectsForgedSignature(t *testing.T) {
	issuer := newTestIssuer(t)
	token, err := issuer.Issue("run-1", "", nil)
	require.NoError(t, err)

	other, err := NewTokenIssuer([]byte("different-secret"), time.Minute)
	require.NoError(t, err)
	_, err = other.Validate(token)
	require.Error(t, err)
}

func TestGateway_ListTools_LocalOnly(t *testing.T) {
	issuer := newTestIssuer(t)
	store := NewStore()
	store.RegisterTool(ToolRegistration{RunID: "run-1", NodeID: "node-a", ToolName: "scan_host", Description: "scan a host"})
	store.RegisterTool(ToolRegistration{RunID: "run-1", NodeID: "node-b", ToolName: "not_visible"})

	gw := New(issuer, store, nil, nil)
	token, err := issuer.Issue("run-1", "", []string{"node-a"})
	require.NoError(t, err)

	tools, err := gw.ListTools(context.Background(), token)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "scan_host", tools[0].Name)
}

func TestGateway_CallTool_LocalRoutesToCaller(t *testing.T) {
	issuer := newTestIssuer(t)
	store := NewStore()
	store.RegisterTool(ToolRegistration{RunID: "run-1", NodeID: "node-a", ToolName: "scan_host"})

	caller := &stubLocalCaller{result: json.RawMessage(`{"ok":true}`)}
	gw := New(issuer, store, nil, caller)
	token, err := issuer.Issue("run-1", "", []string{"node-a"})
	require.NoError(t, err)

	result, err := gw.CallTool(context.Background(), token, "scan_host", json.RawMessage(`{"host":"example.com"}`))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	require.NotNil(t, caller.called)
	require.Equal(t, "scan_host", caller.called.ToolName)
}

func TestGateway_CallTool_RejectsNodeOutsideSessionScope(t *testing.T) {
	issuer := newTestIssuer(t)
	store := NewStore()
	store.RegisterTool(ToolRegistration{RunID: "run-1", NodeID: "node-b", ToolName: "scan_host"})

	caller := &stubLocalCaller{}
	gw := New(issuer, store, nil, caller)
	token, err := issuer.Issue("run-1", "", []string{"node-a"})
	require.NoError(t, err)

	_, err = gw.CallTool(context.Background(), token, "scan_host", nil)
	require.Error(t, err)
	require.Nil(t, caller.called)
}

func TestGateway_CallTool_UnknownToolReturnsNotFound(t *testing.T) {
	issuer := newTestIssuer(t)
	store := NewStore()
	gw := New(issuer, store, nil, &stubLocalCaller{})
	token, err := issuer.Issue("run-1", "", []string{"node-a"})
	require.NoError(t, err)

	_, err = gw.CallTool(context.Background(), token, "missing_tool", nil)
	require.Error(t, err)
	serr, ok := err.(*shipsec.Error)
	require.True(t, ok)
	require.Equal(t, shipsec.KindNotFound, serr.Kind)
}

func TestSplitToolName(t *testing.T) {
	slug, name, external := splitToolName("github__create_issue")
	require.True(t, external)
	require.Equal(t, "github", slug)
	require.Equal(t, "create_issue", name)

	slug, name, external = splitToolName("scan_host")
	require.False(t, external)
	require.Equal(t, "", slug)
	require.Equal(t, "scan_host", name)
}

func TestStore_RemoveRunClearsRegistrationsAndExternals(t *testing.T) {
	store := NewStore()
	store.RegisterTool(ToolRegistration{RunID: "run-1", NodeID: "node-a", ToolName: "scan_host"})
	store.RegisterExternalServer("run-1", ExternalServerRef{ServerSlug: "github"})
	require.Len(t, store.ToolsForRun("run-1", []string{"node-a"}), 1)
	require.Len(t, store.ExternalServersForRun("run-1"), 1)

	store.RemoveRun("run-1")
	require.Empty(t, store.ToolsForRun("run-1", []string{"node-a"}))
	require.Empty(t, store.ExternalServersForRun("run-1"))
}
