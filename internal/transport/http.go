// Package transport holds the HTTP surface of the local web server.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
)

// SyncPath is where the page polls the sync payload.
const SyncPath = "/data/sync.json"

// ClientConfigPath serves the page's polling settings.
const ClientConfigPath = "/api/client-config"

// ClientConfig is the polling setup handed to the page.
type ClientConfig struct {
	SyncURL      string `json:"sync_url"`
	IntervalMS   int64  `json:"interval_ms"`
	RetryDelayMS int64  `json:"retry_delay_ms"`
	MaxRetries   int    `json:"max_retries"`
}

// NewClientConfig derives the page settings from the sync section.
func NewClientConfig(cfg config.SyncConfig) ClientConfig {
	return ClientConfig{
		SyncURL:      SyncPath[1:],
		IntervalMS:   cfg.Interval.Std().Milliseconds(),
		RetryDelayMS: cfg.RetryDelay.Std().Milliseconds(),
		MaxRetries:   cfg.MaxRetries,
	}
}

// SyncSource is the part of the sync service served over HTTP.
type SyncSource interface {
	Get(ctx context.Context) (syncstate.Envelope, error)
	State() syncstate.State
	Publish(sections map[string]any)
}

// Auditor receives access events.
type Auditor interface {
	Emit(ctx context.Context, typ audit.EventType, sev audit.Severity, component, message string, details map[string]any)
}

// Options wire the router. Only Config is required.
type Options struct {
	Config config.Config
	// Sync serves SyncPath and the /api routes. Without it SyncPath is a
	// plain static file.
	Sync    SyncSource
	Auditor Auditor
	// Status contributes the server section of /api/status.
	Status func() any
	Logger *slog.Logger
}

// Server holds handler dependencies.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// NewRouter creates the router with its middleware stack.
func NewRouter(opts Options) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	srv := &Server{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Cache.Compression {
		r.Use(middleware.Compress(5))
	}
	if cfg.CORS.Enabled {
		r.Use(CORS(cfg.CORS))
	}

	r.Get("/health", srv.handleHealth)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if opts.Sync != nil {
		r.Get(SyncPath, srv.handleSyncFile)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/client-config", srv.handleClientConfig)
		if opts.Sync == nil {
			return
		}
		r.Get("/state", srv.handleState)
		r.Get("/status", srv.handleStatus)
		if sec := cfg.Security; sec.PublishRate > 0 {
			r.With(RateLimit(sec.PublishRate, sec.PublishBurst, opts.Logger)).Post("/sections", srv.handlePublish)
		} else {
			r.Post("/sections", srv.handlePublish)
		}
	})

	static := NewStaticHandler(cfg.Paths.HTMLDir, cfg, opts.Logger)
	guarded := http.Handler(static)
	if cfg.Security.ValidatePaths {
		guarded = PathGuard(cfg.Security, opts.Auditor, opts.Logger)(static)
	}
	r.Handle("/*", guarded)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleClientConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, NewClientConfig(s.opts.Config.Sync))
}

func (s *Server) handleSyncFile(w http.ResponseWriter, r *http.Request) {
	env, err := s.opts.Sync.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	env, err := s.opts.Sync.Get(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"sync": s.opts.Sync.State()}
	if s.opts.Status != nil {
		body["server"] = s.opts.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// handlePublish queues sections for the debounced writer.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if limit := s.opts.Config.Security.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	var sections map[string]any
	if err := json.NewDecoder(r.Body).Decode(&sections); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody(apperror.New(apperror.SyncFormat, "request body too large")))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody(apperror.Wrap(apperror.SyncFormat, "body must be a JSON object", err)))
		return
	}
	if len(sections) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(apperror.New(apperror.SyncFormat, "no sections given")))
		return
	}
	s.opts.Sync.Publish(sections)
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": len(sections)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperror.CodeOf(err) {
	case apperror.SyncNotFound:
		status = http.StatusNotFound
	case apperror.Unavailable, apperror.SyncExhausted:
		status = http.StatusServiceUnavailable
	}
	s.logger.Error("request failed", "error", err)
	writeJSON(w, status, errorBody(err))
}

func errorBody(err error) map[string]any {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return map[string]any{"error": ae}
	}
	return map[string]any{"error": map[string]string{"message": err.Error()}}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
