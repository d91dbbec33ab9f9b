package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/rpggio/kairos/internal/app"
	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run owns every deferred cleanup so the log file is closed before exit.
func run(args []string) int {
	flags := flag.NewFlagSet("kairos", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the config file; created with defaults when missing (default $KAIROS_CONFIG_PATH or kairos.yaml)")
	mcpMode := flags.Bool("mcp", false, "serve MCP over stdio alongside the web server")
	demo := flags.Bool("demo", false, "publish a simulated dashboard every second")
	watch := flags.Bool("watch-config", true, "reload the config file when it changes")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	settings, err := config.NewManager(config.ResolvePath(*configPath), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	cfg := settings.Get()

	// Keep stdout clean for JSON-RPC in MCP mode.
	logger, logCloser, err := logging.New(cfg.Log, *mcpMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	settings.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}

	url, err := a.Start(ctx)
	if err != nil {
		logger.Error("failed to start web server", "error", err)
		_ = a.Close(context.Background())
		return 1
	}
	logger.Info("serving", "url", url, "config", settings.Path())

	g, gctx := errgroup.WithContext(ctx)

	if *watch {
		g.Go(func() error {
			if err := a.WatchConfig(gctx, settings, 0); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watch stopped", "error", err)
			}
			return nil
		})
	}

	if *demo {
		g.Go(func() error {
			a.RunDemo(gctx, a.Sync, nil, time.Second)
			return nil
		})
	}

	if *mcpMode {
		g.Go(func() error {
			// Run returns when stdin closes or ctx is canceled.
			defer stop()
			if err := a.MCPServer(version).Run(gctx, &sdkmcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	stop()
	if err := g.Wait(); err != nil {
		logger.Error("background task failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}
