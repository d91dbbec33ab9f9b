package mcp_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/mcp"
	"github.com/rpggio/kairos/internal/webserver"
)

type fakeSync struct {
	mu      sync.Mutex
	env     syncstate.Envelope
	pending map[string]any
	flushes int
}

func (f *fakeSync) Get(context.Context) (syncstate.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env.Clone(), nil
}

func (f *fakeSync) State() syncstate.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return syncstate.State{Status: syncstate.StatusActive, Total: 4, Succeeded: 3, Failed: 1, Version: f.env.Version}
}

func (f *fakeSync) Publish(sections map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = map[string]any{}
	}
	for k, v := range sections {
		f.pending[k] = v
	}
}

func (f *fakeSync) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	if f.env.Data == nil {
		f.env.Data = map[string]any{}
	}
	for k, v := range f.pending {
		f.env.Data[k] = v
	}
	f.pending = nil
	f.env.Version++
	return nil
}

type fakeWeb struct{}

func (fakeWeb) Stats() webserver.Stats {
	return webserver.Stats{Running: true, Host: "localhost", Port: 8081, URL: "http://localhost:8081"}
}

type fakeAudit struct {
	lastQuery audit.Query
}

func (f *fakeAudit) Query(_ context.Context, q audit.Query) ([]audit.Event, error) {
	f.lastQuery = q
	return []audit.Event{{ID: "e1", Type: audit.TypeSyncFailed, Severity: audit.SeverityError, Message: "disk full"}}, nil
}

func (f *fakeAudit) Stats(context.Context, time.Time) (audit.Stats, error) {
	return audit.Stats{Total: 1, ByType: map[audit.EventType]int{audit.TypeSyncFailed: 1}}, nil
}

func connect(t *testing.T, svc mcp.Services) *sdkmcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := mcp.NewServer(mcp.Config{Services: svc, Version: "test"})
	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any) (*sdkmcp.CallToolResult, string) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok, "expected text content")
	return result, text.Text
}

func TestListTools(t *testing.T) {
	session := connect(t, mcp.Services{Sync: &fakeSync{}})

	tools, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"get_sync_state", "publish_section", "get_sync_status", "get_server_info", "diagnose_config", "query_audit"} {
		require.True(t, names[want], "missing tool %s", want)
	}
}

func TestPublishAndReadSyncState(t *testing.T) {
	src := &fakeSync{env: syncstate.Envelope{Version: 1, Data: map[string]any{}}}
	session := connect(t, mcp.Services{Sync: src})

	result, text := callTool(t, session, "publish_section", map[string]any{
		"section": "workflow",
		"value":   map[string]any{"stage": "review", "progress": 40},
		"flush":   true,
	})
	require.False(t, result.IsError, text)
	require.Equal(t, 1, src.flushes)

	_, text = callTool(t, session, "get_sync_state", nil)
	var env syncstate.Envelope
	require.NoError(t, json.Unmarshal([]byte(text), &env))
	require.Equal(t, int64(2), env.Version)
	require.Equal(t, "review", env.Data["workflow"].(map[string]any)["stage"])
}

func TestPublishSectionRequiresName(t *testing.T) {
	session := connect(t, mcp.Services{Sync: &fakeSync{}})

	result, text := callTool(t, session, "publish_section", map[string]any{"value": 1})
	require.True(t, result.IsError)
	require.Contains(t, text, "INVALID_INPUT")
}

func TestSyncStatusIncludesSuccessRate(t *testing.T) {
	session := connect(t, mcp.Services{Sync: &fakeSync{}})

	_, text := callTool(t, session, "get_sync_status", nil)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &got))
	require.Equal(t, "active", got["status"])
	require.InDelta(t, 75.0, got["success_rate"], 0.001)
}

func TestServerInfoAndDiagnose(t *testing.T) {
	cfg := config.Default()
	session := connect(t, mcp.Services{
		Sync:   &fakeSync{},
		Web:    fakeWeb{},
		Config: func() config.Config { return cfg },
	})

	_, text := callTool(t, session, "get_server_info", nil)
	require.Contains(t, text, `"port":8081`)

	_, text = callTool(t, session, "diagnose_config", nil)
	var d config.Diagnosis
	require.NoError(t, json.Unmarshal([]byte(text), &d))
	require.True(t, d.Valid)
}

func TestQueryAudit(t *testing.T) {
	aud := &fakeAudit{}
	session := connect(t, mcp.Services{Sync: &fakeSync{}, Audit: aud})

	_, text := callTool(t, session, "query_audit", map[string]any{
		"types":      []string{"sync.failed"},
		"severities": []string{"error"},
	})
	require.Contains(t, text, "disk full")
	require.Equal(t, 50, aud.lastQuery.Limit)
	require.Equal(t, []audit.Severity{audit.SeverityError}, aud.lastQuery.Severities)
	require.Equal(t, []audit.EventType{audit.TypeSyncFailed}, aud.lastQuery.Types)
}

func TestQueryAuditDisabled(t *testing.T) {
	session := connect(t, mcp.Services{Sync: &fakeSync{}})

	result, text := callTool(t, session, "query_audit", nil)
	require.True(t, result.IsError)
	require.Contains(t, text, "UNAVAILABLE")
}

func TestDocResources(t *testing.T) {
	session := connect(t, mcp.Services{Sync: &fakeSync{}})
	ctx := context.Background()

	resources, err := session.ListResources(ctx, nil)
	require.NoError(t, err)
	require.Len(t, resources.Resources, 2)

	res, err := session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "kairos://docs/sync-payload"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	require.Contains(t, res.Contents[0].Text, "time_tracker")
}
