// Package mcp exposes the sync payload, server state and audit trail to
// MCP clients.
package mcp

import (
	"context"
	"log/slog"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/webserver"
)

// SyncService defines sync operations needed by MCP.
type SyncService interface {
	Get(ctx context.Context) (syncstate.Envelope, error)
	State() syncstate.State
	Publish(sections map[string]any)
	Flush(ctx context.Context) error
}

// WebServer defines the server state needed by MCP.
type WebServer interface {
	Stats() webserver.Stats
}

// AuditService defines audit queries needed by MCP.
type AuditService interface {
	Query(ctx context.Context, q audit.Query) ([]audit.Event, error)
	Stats(ctx context.Context, since time.Time) (audit.Stats, error)
}

// Services contains everything the tools call into. Audit and Web may be
// nil; their tools then report the feature as unavailable.
type Services struct {
	Sync   SyncService
	Web    WebServer
	Audit  AuditService
	Config func() config.Config
}

// Config contains server configuration.
type Config struct {
	Services Services
	Version  string
	Logger   *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and
// middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "kairos",
		Version: cfg.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services)

	return server
}
