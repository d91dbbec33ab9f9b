package transport

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/rpggio/kairos/internal/config"
)

// StaticHandler serves files below a root directory.
type StaticHandler struct {
	root      string
	indexFile string
	listing   bool
	cache     config.CacheConfig
	logger    *slog.Logger
}

// NewStaticHandler serves root using the index, listing and cache settings
// from cfg.
func NewStaticHandler(root string, cfg config.Config, logger *slog.Logger) *StaticHandler {
	if logger == nil {
		logger = slog.Default()
	}
	index := cfg.Paths.IndexFile
	if index == "" {
		index = "index.html"
	}
	return &StaticHandler{
		root:      root,
		indexFile: index,
		listing:   cfg.Security.DirectoryListing,
		cache:     cfg.Cache,
		logger:    logger,
	}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	full := filepath.Join(h.root, filepath.FromSlash(clean))

	info, err := os.Stat(full)
	if err != nil {
		h.statError(w, err)
		return
	}

	if info.IsDir() {
		index := filepath.Join(full, h.indexFile)
		if ii, err := os.Stat(index); err == nil && !ii.IsDir() {
			full, info = index, ii
		} else if h.listing {
			h.setCacheHeaders(w, clean)
			http.FileServer(http.Dir(h.root)).ServeHTTP(w, r)
			return
		} else {
			http.NotFound(w, r)
			return
		}
	}

	f, err := os.Open(full)
	if err != nil {
		h.statError(w, err)
		return
	}
	defer f.Close()

	h.setCacheHeaders(w, clean)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (h *StaticHandler) setCacheHeaders(w http.ResponseWriter, urlPath string) {
	switch {
	case urlPath == SyncPath:
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	case !h.cache.Enabled:
		w.Header().Set("Cache-Control", "no-cache")
	default:
		w.Header().Set("Cache-Control", "max-age="+strconv.Itoa(h.cache.MaxAge))
	}
}

func (h *StaticHandler) statError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, fs.ErrPermission):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		h.logger.Error("static file error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
