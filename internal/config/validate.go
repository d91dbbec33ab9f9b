package config

import (
	"fmt"
	"slices"
	"strings"
)

var logLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"ERROR":    true,
	"CRITICAL": true,
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration has errors:")
	for _, issue := range e.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}

// Validate checks ranges and required values. It reports all problems at
// once as a *ValidationError.
func (c Config) Validate() error {
	var issues []string
	fail := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	s := c.Server
	for name, port := range map[string]int{"preferred_port": s.PreferredPort, "min_port": s.MinPort, "max_port": s.MaxPort} {
		if port < 1024 || port > 65535 {
			fail("server.%s must be between 1024 and 65535, got %d", name, port)
		}
	}
	if s.MinPort > s.MaxPort {
		fail("server.min_port (%d) must not exceed server.max_port (%d)", s.MinPort, s.MaxPort)
	}
	if s.PreferredPort < s.MinPort || s.PreferredPort > s.MaxPort {
		fail("server.preferred_port (%d) must be within %d-%d", s.PreferredPort, s.MinPort, s.MaxPort)
	}
	if strings.TrimSpace(s.Host) == "" {
		fail("server.host must not be empty")
	}
	if s.Timeout <= 0 {
		fail("server.timeout must be positive")
	}

	if strings.TrimSpace(c.Paths.HTMLDir) == "" {
		fail("paths.html_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		fail("paths.data_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.IndexFile) == "" {
		fail("paths.index_file must not be empty")
	}

	if c.Security.MaxUploadBytes <= 0 {
		fail("security.max_upload_bytes must be positive")
	}
	if c.Security.PublishRate < 0 {
		fail("security.publish_rate must not be negative")
	}
	if c.Security.PublishRate > 0 && c.Security.PublishBurst <= 0 {
		fail("security.publish_burst must be positive when publish_rate is set")
	}

	if !logLevels[strings.ToUpper(c.Log.Level)] {
		fail("log.level must be one of DEBUG, INFO, WARNING, ERROR, CRITICAL, got %q", c.Log.Level)
	}
	if c.Log.Rotate {
		if c.Log.MaxBytes <= 0 {
			fail("log.max_bytes must be positive when rotation is on")
		}
		if c.Log.Backups < 0 {
			fail("log.backups must not be negative")
		}
	}

	if c.Sync.Interval <= 0 {
		fail("sync.interval must be positive")
	}
	if c.Sync.Debounce < 0 {
		fail("sync.debounce must not be negative")
	}
	if c.Sync.MaxRetries <= 0 {
		fail("sync.max_retries must be positive")
	}
	if c.Sync.RetryDelay < 0 {
		fail("sync.retry_delay must not be negative")
	}

	if c.Cache.MaxAge < 0 {
		fail("cache.max_age must not be negative")
	}

	switch c.Storage.Provider {
	case ProviderJSON:
		if strings.TrimSpace(c.Storage.JSONPath) == "" {
			fail("storage.json_path must not be empty")
		}
	case ProviderSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			fail("storage.sqlite_path must not be empty")
		}
	default:
		fail("storage.provider must be %q or %q, got %q", ProviderJSON, ProviderSQLite, c.Storage.Provider)
	}
	if strings.TrimSpace(c.Storage.BackupDir) == "" {
		fail("storage.backup_dir must not be empty")
	}

	if c.Audit.Enabled {
		if c.Audit.Store != AuditStoreFile && c.Audit.Store != AuditStoreSQLite {
			fail("audit.store must be %q or %q, got %q", AuditStoreFile, AuditStoreSQLite, c.Audit.Store)
		}
		if c.Audit.BufferSize <= 0 {
			fail("audit.buffer_size must be positive")
		}
		if !logLevels[strings.ToUpper(c.Audit.MinSeverity)] || strings.EqualFold(c.Audit.MinSeverity, "DEBUG") {
			fail("audit.min_severity must be one of INFO, WARNING, ERROR, CRITICAL, got %q", c.Audit.MinSeverity)
		}
		if c.Audit.Store == AuditStoreFile && strings.TrimSpace(c.Audit.Dir) == "" {
			fail("audit.dir must not be empty")
		}
	}

	if len(issues) == 0 {
		return nil
	}
	// map iteration above is unordered
	slices.Sort(issues)
	return &ValidationError{Issues: issues}
}
