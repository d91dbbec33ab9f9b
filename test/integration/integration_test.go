package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/dashboard"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/syncclient"
	"github.com/rpggio/kairos/internal/testserver"
)

func publish(t *testing.T, url string, sections map[string]any) {
	t.Helper()
	body, err := json.Marshal(sections)
	require.NoError(t, err)
	resp, err := http.Post(url+"/api/sections", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestIntegration_PublishReachesPoller(t *testing.T) {
	ts := testserver.New(t, nil)

	client := syncclient.New(ts.URL, syncclient.Options{Interval: 20 * time.Millisecond})
	changes := make(chan syncstate.Envelope, 16)
	client.OnChange(func(env syncstate.Envelope) { changes <- env })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// The initial payload counts as a change.
	var first syncstate.Envelope
	select {
	case first = <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no initial payload")
	}

	publish(t, ts.URL, map[string]any{"workflow": map[string]any{"stage": "build", "progress": 25}})
	publish(t, ts.URL, map[string]any{"notifications": map[string]any{"total": 2, "unread": 1}})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-changes:
			require.Greater(t, env.Version, first.Version)
			if _, ok := env.Data["notifications"]; !ok {
				continue
			}
			require.Contains(t, env.Data, "workflow")
			cancel()
			require.NoError(t, <-done)
			return
		case <-deadline:
			t.Fatal("published sections never reached the poller")
		}
	}
}

func TestIntegration_PayloadOnDiskMatchesServed(t *testing.T) {
	ts := testserver.New(t, nil)
	ctx := context.Background()

	snap := dashboard.New()
	snap.TimeTracker.Elapsed = 90
	snap.TimeTracker.Running = true
	snap.Resize(700, 40)
	env, err := ts.App.Sync.UpdateDashboard(ctx, snap)
	require.NoError(t, err)

	raw, err := os.ReadFile(ts.App.Config.Storage.JSONPath)
	require.NoError(t, err)
	var onDisk syncstate.Envelope
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.Equal(t, env.Version, onDisk.Version)

	resp, err := http.Get(ts.URL + "/data/sync.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	var served syncstate.Envelope
	require.NoError(t, json.Unmarshal(body, &served))
	require.Equal(t, env.Version, served.Version)

	got, err := dashboard.FromSections(served.Data)
	require.NoError(t, err)
	require.Equal(t, dashboard.BreakpointMobile, got.Layout.Breakpoint)
	require.EqualValues(t, 90, got.TimeTracker.Elapsed)
}

func TestIntegration_SQLiteProviderWithAudit(t *testing.T) {
	cfg := testserver.Config(t)
	cfg.Storage.Provider = config.ProviderSQLite
	cfg.Audit.Store = config.AuditStoreSQLite
	ts := testserver.New(t, &cfg)
	ctx := context.Background()

	require.Equal(t, config.ProviderSQLite, ts.App.Stores.Provider)

	before, err := ts.App.Sync.Get(ctx)
	require.NoError(t, err)
	_, err = ts.App.Sync.Update(ctx, map[string]any{"layout": map[string]any{"expanded": true}})
	require.NoError(t, err)

	after, err := ts.App.Sync.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, before.Version+1, after.Version)

	repo, ok := ts.App.Stores.SyncLog()
	require.True(t, ok)
	entries, err := repo.ListLog(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, after.Version, entries[0].Version)

	require.NoError(t, ts.App.Audit.Flush(ctx))
	events, err := ts.App.Audit.Query(ctx, audit.Query{Types: []audit.EventType{audit.TypeServerStarted}})
	require.NoError(t, err)
	require.NotEmpty(t, events)
}

func TestIntegration_PathTraversalDenied(t *testing.T) {
	ts := testserver.New(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/..%2f..%2fetc/passwd", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Contains(t, []int{http.StatusForbidden, http.StatusNotFound}, resp.StatusCode)
}
