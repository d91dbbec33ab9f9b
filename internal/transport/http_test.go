package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/config"
	"github.com/rpggio/kairos/internal/domain/audit"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/repository/mocks"
)

type fakeSync struct {
	mu        sync.Mutex
	env       syncstate.Envelope
	published []map[string]any
}

func (f *fakeSync) Get(context.Context) (syncstate.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env, nil
}

func (f *fakeSync) State() syncstate.State {
	return syncstate.State{Status: syncstate.StatusActive, Version: f.env.Version}
}

func (f *fakeSync) Publish(sections map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, sections)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>kairos</h1>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "app.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.env"), []byte("TOKEN=x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	cfg := config.Default()
	cfg.Paths.HTMLDir = root
	cfg.Cache.Compression = false
	return cfg
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	r := NewRouter(Options{Config: testConfig(t)})

	rec := do(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestRouter_StaticFiles(t *testing.T) {
	cfg := testConfig(t)
	r := NewRouter(Options{Config: cfg})

	rec := do(t, r, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "kairos")
	require.Equal(t, "max-age=3600", rec.Header().Get("Cache-Control"))

	rec = do(t, r, http.MethodGet, "/css/app.css", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/missing.html", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodGet, "/empty/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "directory listing is off")
}

func TestRouter_CacheDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = false
	r := NewRouter(Options{Config: cfg})

	rec := do(t, r, http.MethodGet, "/index.html", nil)
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestRouter_PathGuard(t *testing.T) {
	auditor := &mocks.Auditor{}
	auditor.On("Emit", mock.Anything, audit.TypeAccessDenied, audit.SeverityWarning, "WebServer", mock.Anything, mock.Anything).Return()

	r := NewRouter(Options{Config: testConfig(t), Auditor: auditor})

	rec := do(t, r, http.MethodGet, "/css/../../etc/passwd", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, http.MethodGet, "/secret.env", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	auditor.AssertNumberOfCalls(t, "Emit", 2)
}

func TestCheckPath(t *testing.T) {
	allowed := []string{".html", ".js"}
	tests := map[string]string{
		"/index.html":      "",
		"/js/app.js":       "",
		"/":                "",
		"/a/../b.html":     DenyTraversal,
		"/a\\b.html":       DenyTraversal,
		"//etc/hosts.html": DenyAbsolute,
		"/app.exe":         DenyExtension,
	}
	for in, want := range tests {
		require.Equal(t, want, CheckPath(in, allowed), in)
	}
}

func preflight(t *testing.T, h http.Handler, origin, method string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodOptions, "/data/sync.json", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", method)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_CORS(t *testing.T) {
	cfg := testConfig(t)
	r := NewRouter(Options{Config: cfg})

	rec := preflight(t, r, "http://localhost:3000", http.MethodGet)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.MethodGet, rec.Header().Get("Access-Control-Allow-Methods"))

	rec = preflight(t, r, "http://localhost:3000", http.MethodPatch)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	cfg.CORS.Origins = []string{"http://localhost:3000"}
	r = NewRouter(Options{Config: cfg})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_CORSCredentialsEchoOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.CORS.Credentials = true
	r := NewRouter(Options{Config: cfg})

	rec := preflight(t, r, "http://localhost:5173", http.MethodGet)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRouter_SyncRoutes(t *testing.T) {
	src := &fakeSync{env: syncstate.Envelope{
		Timestamp: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
		Version:   7,
		Data:      map[string]any{"meta": "x"},
	}}
	r := NewRouter(Options{
		Config: testConfig(t),
		Sync:   src,
		Status: func() any { return map[string]int{"port": 8080} },
	})

	rec := do(t, r, http.MethodGet, SyncPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	var env syncstate.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, int64(7), env.Version)

	rec = do(t, r, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"port":8080`)
	require.Contains(t, rec.Body.String(), `"status":"active"`)

	rec = do(t, r, http.MethodPost, "/api/sections", strings.NewReader(`{"workflow":{"progress":50}}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, src.published, 1)

	rec = do(t, r, http.MethodPost, "/api/sections", strings.NewReader(`[1,2]`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ClientConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Interval = config.Duration(500 * time.Millisecond)
	cfg.Sync.RetryDelay = config.Duration(750 * time.Millisecond)
	cfg.Sync.MaxRetries = 5
	r := NewRouter(Options{Config: cfg})

	rec := do(t, r, http.MethodGet, ClientConfigPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var got ClientConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, ClientConfig{SyncURL: "data/sync.json", IntervalMS: 500, RetryDelayMS: 750, MaxRetries: 5}, got)
}

func TestRouter_PublishTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.MaxUploadBytes = 16
	r := NewRouter(Options{Config: cfg, Sync: &fakeSync{}})

	rec := do(t, r, http.MethodPost, "/api/sections", strings.NewReader(`{"meta":"`+strings.Repeat("x", 64)+`"}`))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouter_Metrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	r := NewRouter(Options{Config: cfg})

	do(t, r, http.MethodGet, "/health", nil)
	rec := do(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "kairos_http_requests_total")
}
