package transport

import (
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/metrics"
)

// RequestLogger logs each request at debug level, failures at warn, and
// records request metrics by route pattern.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "static"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" && p != "/*" {
					route = p
				}
			}
			elapsed := time.Since(start)
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

			level := slog.LevelDebug
			if status >= 400 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", elapsed,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// CORS applies the configured cross-origin policy. Preflight requests are
// answered with 200 and do not reach the router.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:   cfg.Origins,
		AllowedMethods:   cfg.Methods,
		AllowedHeaders:   cfg.Headers,
		AllowCredentials: cfg.Credentials,
	}
	// a literal "*" cannot be sent with credentials; echo the origin instead
	if cfg.Credentials && slices.Contains(cfg.Origins, "*") {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return cors.Handler(opts)
}

// Reasons a path is rejected.
const (
	DenyTraversal = "traversal"
	DenyAbsolute  = "absolute"
	DenyExtension = "extension"
)

// CheckPath returns the reason p must not be served, or "".
func CheckPath(p string, allowed []string) string {
	if strings.ContainsRune(p, 0) || strings.Contains(p, "\\") {
		return DenyTraversal
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return DenyTraversal
		}
	}
	rel := strings.TrimPrefix(p, "/")
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return DenyAbsolute
	}
	ext := strings.ToLower(path.Ext(rel))
	if ext != "" && len(allowed) > 0 && !slices.Contains(allowed, ext) {
		return DenyExtension
	}
	return ""
}

// PathGuard rejects unsafe static paths with 403 and reports them.
func PathGuard(cfg config.SecurityConfig, auditor Auditor, logger *slog.Logger) func(http.Handler) http.Handler {
	allowed := make([]string, 0, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed = append(allowed, strings.ToLower(ext))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reason := CheckPath(r.URL.Path, allowed)
			if reason == "" {
				next.ServeHTTP(w, r)
				return
			}

			metrics.AccessDeniedTotal.WithLabelValues(reason).Inc()
			logger.Warn("access denied", "path", r.URL.Path, "reason", reason, "remote", r.RemoteAddr)
			if auditor != nil {
				auditor.Emit(r.Context(), audit.TypeAccessDenied, audit.SeverityWarning, "WebServer",
					"rejected request path", map[string]any{
						"path":   r.URL.Path,
						"reason": reason,
						"remote": r.RemoteAddr,
					})
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
