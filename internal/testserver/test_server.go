// Package testserver runs the whole application in a temporary directory
// for end-to-end tests.
package testserver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/app"
	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/netport"
)

type TestServer struct {
	App *app.App
	URL string
	Dir string
}

// Config returns defaults rooted in a fresh temp directory, with a short
// debounce and a free port range on the loopback interface.
func Config(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	l, port, err := netport.Find(cfg.Server.Host, 20000, 20000, 40000)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	cfg.Server.PreferredPort = port
	cfg.Server.MinPort = port
	cfg.Server.MaxPort = port + 10
	cfg.Server.Timeout = config.Duration(5 * time.Second)

	cfg.Paths.HTMLDir = filepath.Join(dir, "web")
	cfg.Paths.DataDir = filepath.Join(dir, "web", "data")
	cfg.Storage.JSONPath = filepath.Join(dir, "web", "data", "sync.json")
	cfg.Storage.SQLitePath = filepath.Join(dir, "data", "kairos.db")
	cfg.Storage.BackupDir = filepath.Join(dir, "data", "backup")
	cfg.Audit.Dir = filepath.Join(dir, "audit")
	cfg.Sync.Debounce = config.Duration(20 * time.Millisecond)
	cfg.Sync.RetryDelay = config.Duration(10 * time.Millisecond)
	return cfg
}

// New starts the application with cfg, or with Config(t) when cfg is nil.
// It is stopped when the test ends.
func New(t *testing.T, cfg *config.Config) *TestServer {
	t.Helper()
	if cfg == nil {
		c := Config(t)
		cfg = &c
	}

	ctx := context.Background()
	a, err := app.New(ctx, *cfg, nil)
	require.NoError(t, err)

	url, err := a.Start(ctx)
	if err != nil {
		_ = a.Close(ctx)
	}
	require.NoError(t, err)

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(stopCtx)
	})

	return &TestServer{App: a, URL: url, Dir: filepath.Dir(cfg.Paths.HTMLDir)}
}
