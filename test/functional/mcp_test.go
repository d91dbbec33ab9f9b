package functional_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/syncclient"
	"github.com/rpggio/kairos/internal/testserver"
)

func connect(t *testing.T, ts *testserver.TestServer) *sdkmcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
	serverSession, err := ts.App.MCPServer("test").Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func callJSON(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*sdkmcp.TextContent)
	require.True(t, ok)
	require.False(t, result.IsError, text.Text)
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(text.Text), out))
	}
}

func TestMCP_PublishIsVisibleOverHTTP(t *testing.T) {
	ts := testserver.New(t, nil)
	session := connect(t, ts)
	ctx := context.Background()

	callJSON(t, session, "publish_section", map[string]any{
		"section": "time_tracker",
		"value":   map[string]any{"elapsed": 42, "running": true},
		"flush":   true,
	}, nil)

	client := syncclient.New(ts.URL, syncclient.Options{})
	require.NoError(t, client.Poll(ctx))
	require.Positive(t, client.Version())

	var state struct {
		Version int64          `json:"version"`
		Data    map[string]any `json:"data"`
	}
	callJSON(t, session, "get_sync_state", nil, &state)
	require.Equal(t, client.Version(), state.Version)
	require.Contains(t, state.Data, "time_tracker")
}

func TestMCP_ServerInfoAndStatus(t *testing.T) {
	ts := testserver.New(t, nil)
	session := connect(t, ts)

	var info map[string]any
	callJSON(t, session, "get_server_info", nil, &info)
	require.Equal(t, true, info["running"])
	require.Equal(t, ts.URL, info["url"])

	var status map[string]any
	callJSON(t, session, "get_sync_status", nil, &status)
	require.Contains(t, status, "breaker")

	var diag map[string]any
	callJSON(t, session, "diagnose_config", nil, &diag)
	require.Equal(t, true, diag["valid"])
}

func TestMCP_QueryAuditSeesServerStart(t *testing.T) {
	ts := testserver.New(t, nil)
	session := connect(t, ts)

	require.Eventually(t, func() bool {
		if err := ts.App.Audit.Flush(context.Background()); err != nil {
			return false
		}
		result, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{
			Name:      "query_audit",
			Arguments: map[string]any{"types": []string{"server.started"}},
		})
		if err != nil || result.IsError || len(result.Content) == 0 {
			return false
		}
		text, ok := result.Content[0].(*sdkmcp.TextContent)
		if !ok {
			return false
		}
		var out struct {
			Events []map[string]any `json:"events"`
		}
		return json.Unmarshal([]byte(text.Text), &out) == nil && len(out.Events) > 0
	}, 5*time.Second, 50*time.Millisecond)
}
