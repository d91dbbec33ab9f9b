package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvConfigPath      = "KAIROS_CONFIG_PATH"
	EnvPort            = "KAIROS_PORT"
	EnvHost            = "KAIROS_HOST"
	EnvDebug           = "KAIROS_DEBUG"
	EnvHTMLDir         = "KAIROS_HTML_DIR"
	EnvLogLevel        = "KAIROS_LOG_LEVEL"
	EnvLogFile         = "KAIROS_LOG_FILE"
	EnvCORSEnabled     = "KAIROS_CORS_ENABLED"
	EnvStorageProvider = "KAIROS_STORAGE_PROVIDER"
	EnvJSONPath        = "KAIROS_JSON_PATH"
	EnvSQLitePath      = "KAIROS_SQLITE_PATH"
	EnvMetricsEnabled  = "KAIROS_METRICS_ENABLED"
)

// ApplyEnv overlays KAIROS_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if portStr := os.Getenv(EnvPort); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		cfg.Server.PreferredPort = port
		if port < cfg.Server.MinPort {
			cfg.Server.MinPort = port
		}
		if port > cfg.Server.MaxPort {
			cfg.Server.MaxPort = port
		}
	}
	if host := os.Getenv(EnvHost); host != "" {
		cfg.Server.Host = host
	}
	if v, ok := os.LookupEnv(EnvDebug); ok {
		cfg.Log.Debug = parseBool(v)
		if cfg.Log.Debug {
			cfg.Log.Level = "DEBUG"
		}
	}
	if dir := os.Getenv(EnvHTMLDir); dir != "" {
		cfg.Paths.HTMLDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" && !cfg.Log.Debug {
		cfg.Log.Level = strings.ToUpper(level)
	}
	if file := os.Getenv(EnvLogFile); file != "" {
		cfg.Log.File = file
	}
	if v, ok := os.LookupEnv(EnvCORSEnabled); ok {
		cfg.CORS.Enabled = parseBool(v)
	}
	if provider := os.Getenv(EnvStorageProvider); provider != "" {
		cfg.Storage.Provider = strings.ToLower(provider)
	}
	if path := os.Getenv(EnvJSONPath); path != "" {
		cfg.Storage.JSONPath = path
	}
	if path := os.Getenv(EnvSQLitePath); path != "" {
		cfg.Storage.SQLitePath = path
	}
	if v, ok := os.LookupEnv(EnvMetricsEnabled); ok {
		cfg.Metrics.Enabled = parseBool(v)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// ExportEnv renders cfg as shell export lines for every supported variable.
func ExportEnv(cfg Config) string {
	var b strings.Builder
	line := func(key string, value any) {
		fmt.Fprintf(&b, "export %s=%v\n", key, value)
	}
	line(EnvPort, cfg.Server.PreferredPort)
	line(EnvHost, cfg.Server.Host)
	line(EnvDebug, strconv.FormatBool(cfg.Log.Debug))
	line(EnvHTMLDir, cfg.Paths.HTMLDir)
	line(EnvLogLevel, cfg.Log.Level)
	line(EnvLogFile, cfg.Log.File)
	line(EnvCORSEnabled, strconv.FormatBool(cfg.CORS.Enabled))
	line(EnvStorageProvider, cfg.Storage.Provider)
	line(EnvJSONPath, cfg.Storage.JSONPath)
	line(EnvSQLitePath, cfg.Storage.SQLitePath)
	line(EnvMetricsEnabled, strconv.FormatBool(cfg.Metrics.Enabled))
	return b.String()
}
