package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpggio/kairos/internal/netport"
)

// Diagnosis is the outcome of Diagnose.
type Diagnosis struct {
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors"`
	Warnings []string       `json:"warnings"`
	Info     []string       `json:"info"`
	Details  map[string]any `json:"details"`
}

// PortProber reports whether a port can be bound.
type PortProber func(host string, port int) bool

// Diagnose validates cfg and inspects the environment it points at: the
// HTML directory, index file, CORS origins and port range. A nil probe
// uses netport.Available.
func Diagnose(cfg Config, probe PortProber) Diagnosis {
	if probe == nil {
		probe = netport.Available
	}
	d := Diagnosis{
		Errors:   []string{},
		Warnings: []string{},
		Info:     []string{},
		Details:  map[string]any{},
	}

	var verr *ValidationError
	if err := cfg.Validate(); errors.As(err, &verr) {
		d.Errors = append(d.Errors, verr.Issues...)
	} else if err != nil {
		d.Errors = append(d.Errors, err.Error())
	}

	if err := checkHTMLDir(cfg.Paths.HTMLDir); err != nil {
		d.Warnings = append(d.Warnings, err.Error())
	} else {
		d.Info = append(d.Info, fmt.Sprintf("html directory %s is usable", cfg.Paths.HTMLDir))
	}

	indexPath := filepath.Join(cfg.Paths.HTMLDir, cfg.Paths.IndexFile)
	if err := checkIndexFile(indexPath); err != nil {
		d.Warnings = append(d.Warnings, err.Error())
	} else {
		d.Info = append(d.Info, fmt.Sprintf("index file %s looks like HTML", indexPath))
	}

	for _, origin := range cfg.CORS.Origins {
		if err := checkOrigin(origin); err != nil {
			d.Errors = append(d.Errors, err.Error())
		}
	}

	var free []int
	if cfg.Server.MinPort > 0 && cfg.Server.MaxPort >= cfg.Server.MinPort && cfg.Server.MaxPort-cfg.Server.MinPort <= 1000 {
		for p := cfg.Server.MinPort; p <= cfg.Server.MaxPort; p++ {
			if probe(cfg.Server.Host, p) {
				free = append(free, p)
			}
		}
		if len(free) == 0 {
			d.Warnings = append(d.Warnings, fmt.Sprintf("no free port in range %d-%d", cfg.Server.MinPort, cfg.Server.MaxPort))
		} else {
			d.Info = append(d.Info, fmt.Sprintf("%d free port(s) in range %d-%d", len(free), cfg.Server.MinPort, cfg.Server.MaxPort))
		}
	}

	if !cfg.Security.ValidatePaths {
		d.Warnings = append(d.Warnings, "path validation is disabled")
	}
	if cfg.Security.DirectoryListing {
		d.Warnings = append(d.Warnings, "directory listing is enabled")
	}
	for _, origin := range cfg.CORS.Origins {
		if origin == "*" {
			d.Warnings = append(d.Warnings, "CORS allows any origin")
			break
		}
	}
	if cfg.Sync.Interval > 0 && cfg.Sync.Interval.Std() < 100*time.Millisecond {
		d.Warnings = append(d.Warnings, fmt.Sprintf("sync interval %s is very short", cfg.Sync.Interval))
	}
	if cfg.Security.MaxUploadBytes > 100<<20 {
		d.Warnings = append(d.Warnings, fmt.Sprintf("max upload size %d bytes is very large", cfg.Security.MaxUploadBytes))
	}
	if cfg.Storage.Provider == ProviderJSON && !within(cfg.Paths.HTMLDir, cfg.Storage.JSONPath) {
		d.Warnings = append(d.Warnings, "sync file is outside the html directory; the page will read it through the server instead of as a static file")
	}

	d.Details["server"] = map[string]any{
		"host":           cfg.Server.Host,
		"preferred_port": cfg.Server.PreferredPort,
		"port_range":     fmt.Sprintf("%d-%d", cfg.Server.MinPort, cfg.Server.MaxPort),
		"free_ports":     free,
	}
	d.Details["paths"] = map[string]any{
		"html_dir":   cfg.Paths.HTMLDir,
		"index_file": indexPath,
		"sync_file":  cfg.Storage.JSONPath,
	}
	d.Details["sync"] = map[string]any{
		"provider": cfg.Storage.Provider,
		"interval": cfg.Sync.Interval.String(),
		"debounce": cfg.Sync.Debounce.String(),
	}

	d.Valid = len(d.Errors) == 0
	return d
}

// Report renders the diagnosis as plain text.
func (d Diagnosis) Report() string {
	var b strings.Builder
	status := "VALID"
	if !d.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(&b, "Configuration diagnosis: %s\n", status)
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s (%d):\n", title, len(items))
		for _, item := range items {
			fmt.Fprintf(&b, "  - %s\n", item)
		}
	}
	section("Errors", d.Errors)
	section("Warnings", d.Warnings)
	section("Info", d.Info)
	return b.String()
}

func checkHTMLDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("html directory %s does not exist", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("html path %s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("html directory %s is not readable: %v", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".html") {
			return nil
		}
	}
	return fmt.Errorf("html directory %s contains no .html files", dir)
}

func checkIndexFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("index file %s does not exist", path)
	}
	defer f.Close()

	head := make([]byte, 1024)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("index file %s is not readable: %v", path, err)
	}
	lower := strings.ToLower(string(head[:n]))
	for _, tag := range []string{"<html", "<head", "<body"} {
		if strings.Contains(lower, tag) {
			return nil
		}
	}
	return fmt.Errorf("index file %s does not look like HTML", path)
}

func checkOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(strings.Replace(origin, ":*", "", 1))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid CORS origin %q", origin)
	}
	return nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
