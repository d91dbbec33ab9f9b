// Package app assembles the stores, sync service, audit trail and web
// server into one running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/mcp"
	"github.com/rpggio/kairos/internal/storage"
	"github.com/rpggio/kairos/internal/webserver"
)

const component = "Application"

// App owns every long-lived service. Fields are set by New and must not be
// replaced afterwards.
type App struct {
	Config config.Config
	Logger *slog.Logger
	Stores *storage.Stores
	// Audit is nil when auditing is disabled.
	Audit *audit.Service
	Sync  *syncstate.Service
	Web   *webserver.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	settings *config.Manager
}

// New opens storage and builds the services. Nothing listens until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stores, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, Stores: stores}

	var auditor syncstate.Auditor
	if stores.Audit != nil {
		a.Audit = audit.NewService(stores.Audit, audit.Options{
			MinSeverity:   audit.ParseSeverity(cfg.Audit.MinSeverity),
			BufferSize:    cfg.Audit.BufferSize,
			FlushInterval: cfg.Audit.FlushInterval.Std(),
		}, logger)
		auditor = a.Audit
	}

	a.Sync = syncstate.NewService(stores.Sync, syncstate.Options{
		Debounce:       cfg.Sync.Debounce.Std(),
		MaxAttempts:    cfg.Sync.MaxRetries,
		InitialBackoff: cfg.Sync.RetryDelay.Std(),
		Auditor:        auditor,
	}, logger)

	webOpts := webserver.Options{Sync: a.Sync, Logger: logger}
	if a.Audit != nil {
		webOpts.Auditor = a.Audit
	}
	a.Web = webserver.New(cfg, webOpts)

	logger.Info("application initialized",
		"storage", stores.Provider,
		"audit", a.Audit != nil,
		"html_dir", cfg.Paths.HTMLDir)
	return a, nil
}

// Start begins following external writes and starts the web server. It
// returns the server URL.
func (a *App) Start(ctx context.Context) (string, error) {
	followCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Sync.Follow(followCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn("sync follow stopped", "error", err)
		}
	}()

	url, err := a.Web.Start(ctx)
	if err != nil {
		return "", err
	}
	a.emit(ctx, audit.TypeSystemStarted, "kairos started", map[string]any{
		"url":     url,
		"storage": a.Stores.Provider,
	})
	return url, nil
}

// MCPServer builds an MCP server over the running services.
func (a *App) MCPServer(version string) *sdkmcp.Server {
	svc := mcp.Services{
		Sync:   a.Sync,
		Web:    a.Web,
		Config: a.currentConfig,
	}
	if a.Audit != nil {
		svc.Audit = a.Audit
	}
	return mcp.NewServer(mcp.Config{Services: svc, Version: version, Logger: a.Logger})
}

// Close stops the server, flushes pending sync and audit writes and closes
// storage. Errors from every step are joined.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Web.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.cancel != nil {
		a.cancel()
		a.wg.Wait()
	}
	if err := a.Sync.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sync: %w", err))
	}
	a.emit(ctx, audit.TypeSystemStopped, "kairos stopped", nil)
	if a.Audit != nil {
		if err := a.Audit.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit: %w", err))
		}
	}
	if err := a.Stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}
	return errors.Join(errs...)
}

// WatchConfig follows changes to the config file behind m and records each
// accepted change. Server and storage settings apply on the next start. It
// blocks until ctx is done.
func (a *App) WatchConfig(ctx context.Context, m *config.Manager, quiet time.Duration) error {
	a.mu.Lock()
	a.settings = m
	a.mu.Unlock()

	m.OnChange(func(old, updated config.Config) {
		changed := changedSections(old, updated)
		a.Logger.Info("configuration changed", "sections", changed)
		a.emit(ctx, audit.TypeConfigChanged, "configuration file changed", map[string]any{
			"path":     m.Path(),
			"sections": changed,
		})
	})
	return m.Watch(ctx, quiet)
}

func (a *App) currentConfig() config.Config {
	a.mu.Lock()
	m := a.settings
	a.mu.Unlock()
	if m != nil {
		return m.Get()
	}
	return a.Config
}

func changedSections(old, updated config.Config) []string {
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("server", old.Server, updated.Server)
	check("paths", old.Paths, updated.Paths)
	check("cors", old.CORS, updated.CORS)
	check("security", old.Security, updated.Security)
	check("log", old.Log, updated.Log)
	check("sync", old.Sync, updated.Sync)
	check("cache", old.Cache, updated.Cache)
	check("storage", old.Storage, updated.Storage)
	check("audit", old.Audit, updated.Audit)
	check("metrics", old.Metrics, updated.Metrics)
	return out
}

func (a *App) emit(ctx context.Context, typ audit.EventType, msg string, details map[string]any) {
	if a.Audit == nil {
		return
	}
	a.Audit.Emit(ctx, typ, audit.SeverityInfo, component, msg, details)
}
