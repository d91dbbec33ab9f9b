// Package webserver runs the local static file server that the dashboard
// page is loaded from.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/metrics"
	"github.com/rpggio/kairos/internal/netport"
	"github.com/rpggio/kairos/internal/retry"
	"github.com/rpggio/kairos/internal/transport"
	"github.com/rpggio/kairos/internal/web"
)

const component = "WebServer"

// Options are the optional collaborators of a Server.
type Options struct {
	Sync    transport.SyncSource
	Auditor transport.Auditor
	Logger  *slog.Logger
}

// Stats describe a server at a point in time.
type Stats struct {
	Running       bool      `json:"running"`
	Host          string    `json:"host"`
	Port          int       `json:"port,omitempty"`
	URL           string    `json:"url,omitempty"`
	PreferredPort int       `json:"preferred_port"`
	HTMLDir       string    `json:"html_dir"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Requests      int64     `json:"requests"`
	Errors        int64     `json:"errors"`
	Debug         bool      `json:"debug"`
}

// Server serves the html directory on the first free port of the
// configured range.
type Server struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	http      *http.Server
	served    chan struct{}
	port      int
	url       string
	startedAt time.Time
	running   bool

	requests atomic.Int64
	errors   atomic.Int64
}

// New creates a stopped server.
func New(cfg config.Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{cfg: cfg, opts: opts, logger: opts.Logger}
}

// Start listens and returns the server URL. Starting a running server
// returns its current URL.
func (s *Server) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.url, nil
	}

	url, err := s.start(ctx)
	if err != nil {
		s.emit(ctx, audit.TypeServerError, audit.SeverityError, "failed to start web server", map[string]any{
			"preferred_port": s.cfg.Server.PreferredPort,
			"min_port":       s.cfg.Server.MinPort,
			"max_port":       s.cfg.Server.MaxPort,
			"code":           string(apperror.CodeOf(err)),
			"error":          err.Error(),
		})
		return "", err
	}
	return url, nil
}

func (s *Server) start(ctx context.Context) (string, error) {
	if err := s.prepareDirs(); err != nil {
		return "", apperror.Wrap(apperror.StartFailed, "prepare html directory", err)
	}

	srvCfg := s.cfg.Server
	ln, port, err := netport.Find(srvCfg.Host, srvCfg.PreferredPort, srvCfg.MinPort, srvCfg.MaxPort)
	if err != nil {
		return "", err
	}

	router := transport.NewRouter(transport.Options{
		Config:  s.cfg,
		Sync:    s.opts.Sync,
		Auditor: s.opts.Auditor,
		Status:  func() any { return s.Stats() },
		Logger:  s.logger,
	})

	timeout := srvCfg.Timeout.Std()
	httpSrv := &http.Server{
		Handler:           s.count(router),
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
		IdleTimeout:       2 * timeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	httpSrv.SetKeepAlivesEnabled(s.cfg.Cache.KeepAlive)

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server stopped unexpectedly", "error", err)
			s.emit(context.Background(), audit.TypeServerError, audit.SeverityCritical, "web server stopped unexpectedly",
				map[string]any{"port": port, "error": err.Error()})
		}
	}()

	url := "http://" + net.JoinHostPort(srvCfg.Host, strconv.Itoa(port))
	if err := waitHealthy(ctx, url); err != nil {
		_ = httpSrv.Close()
		<-served
		return "", apperror.Wrap(apperror.StartFailed, "web server did not become healthy", err).
			WithDetails(map[string]any{"port": port})
	}

	s.http = httpSrv
	s.served = served
	s.port = port
	s.url = url
	s.startedAt = time.Now()
	s.running = true
	metrics.ServerUp.Set(1)

	s.logger.Info("web server started", "url", url, "html_dir", s.cfg.Paths.HTMLDir)
	s.emit(ctx, audit.TypeServerStarted, audit.SeverityInfo, fmt.Sprintf("web server started on port %d", port), map[string]any{
		"port":           port,
		"url":            url,
		"host":           srvCfg.Host,
		"html_dir":       s.cfg.Paths.HTMLDir,
		"preferred_port": srvCfg.PreferredPort,
		"alternate_port": port != srvCfg.PreferredPort,
	})
	return url, nil
}

// prepareDirs creates the html and data directories and installs the
// default page when no index exists.
func (s *Server) prepareDirs() error {
	paths := s.cfg.Paths
	for _, dir := range []string{paths.HTMLDir, paths.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	index := filepath.Join(paths.HTMLDir, paths.IndexFile)
	if _, err := os.Stat(index); errors.Is(err, os.ErrNotExist) {
		written, err := web.Install(paths.HTMLDir, false)
		if err != nil {
			return err
		}
		s.logger.Info("installed default page", "dir", paths.HTMLDir, "files", written)
	}
	return nil
}

func waitHealthy(ctx context.Context, baseURL string) error {
	client := &http.Client{Timeout: time.Second}
	policy := retry.Policy{MaxAttempts: 10, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}
	return retry.DoVoid(ctx, policy, retry.Always, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	})
}

// Stop shuts the server down gracefully. Stopping a stopped server is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	httpSrv, served := s.http, s.served
	uptime := time.Since(s.startedAt)
	port, url := s.port, s.url
	s.http = nil
	s.served = nil
	s.port = 0
	s.url = ""
	s.running = false
	s.mu.Unlock()

	metrics.ServerUp.Set(0)

	// in-flight requests may call Stats, so the lock is released first
	err := httpSrv.Shutdown(ctx)
	if err != nil {
		_ = httpSrv.Close()
	}
	<-served

	if err != nil {
		return apperror.Wrap(apperror.StopFailed, "graceful shutdown failed", err)
	}

	s.logger.Info("web server stopped", "uptime", uptime)
	s.emit(ctx, audit.TypeServerStopped, audit.SeverityInfo, "web server stopped", map[string]any{
		"port":           port,
		"url":            url,
		"uptime_seconds": uptime.Seconds(),
		"requests":       s.requests.Load(),
	})
	return nil
}

// IsRunning reports whether the server is started and accepting
// connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	running, port := s.running, s.port
	s.mu.Unlock()
	if !running {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// URL of the running server.
func (s *Server) URL() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", apperror.New(apperror.NotRunning, "web server is not running")
	}
	return s.url, nil
}

// Port is 0 while stopped.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Running:       s.running,
		Host:          s.cfg.Server.Host,
		Port:          s.port,
		URL:           s.url,
		PreferredPort: s.cfg.Server.PreferredPort,
		HTMLDir:       s.cfg.Paths.HTMLDir,
		Requests:      s.requests.Load(),
		Errors:        s.errors.Load(),
		Debug:         s.cfg.Log.Debug,
	}
	if s.running {
		st.StartedAt = s.startedAt
		st.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	return st
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if ww.Status() >= http.StatusInternalServerError {
			s.errors.Add(1)
		}
	})
}

func (s *Server) emit(ctx context.Context, typ audit.EventType, sev audit.Severity, msg string, details map[string]any) {
	if s.opts.Auditor == nil {
		return
	}
	s.opts.Auditor.Emit(ctx, typ, sev, component, msg, details)
}
