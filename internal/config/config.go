package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rpggio/kairos/internal/apperror"
)

// Config defines the web server and sync configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Paths    PathsConfig    `yaml:"paths" json:"paths"`
	CORS     CORSConfig     `yaml:"cors" json:"cors"`
	Security SecurityConfig `yaml:"security" json:"security"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Sync     SyncConfig     `yaml:"sync" json:"sync"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Audit    AuditConfig    `yaml:"audit" json:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Host          string   `yaml:"host" json:"host"`
	PreferredPort int      `yaml:"preferred_port" json:"preferred_port"`
	MinPort       int      `yaml:"min_port" json:"min_port"`
	MaxPort       int      `yaml:"max_port" json:"max_port"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
}

type PathsConfig struct {
	HTMLDir   string `yaml:"html_dir" json:"html_dir"`
	DataDir   string `yaml:"data_dir" json:"data_dir"`
	IndexFile string `yaml:"index_file" json:"index_file"`
}

type CORSConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Origins     []string `yaml:"origins" json:"origins"`
	Methods     []string `yaml:"methods" json:"methods"`
	Headers     []string `yaml:"headers" json:"headers"`
	Credentials bool     `yaml:"credentials" json:"credentials"`
}

type SecurityConfig struct {
	ValidatePaths     bool     `yaml:"validate_paths" json:"validate_paths"`
	DirectoryListing  bool     `yaml:"directory_listing" json:"directory_listing"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes" json:"max_upload_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions"`
	// PublishRate limits POST /api/sections per client, in requests per
	// second. Zero disables the limit.
	PublishRate  float64 `yaml:"publish_rate" json:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst" json:"publish_burst"`
}

type LogConfig struct {
	Debug    bool   `yaml:"debug" json:"debug"`
	Level    string `yaml:"level" json:"level"`
	File     string `yaml:"file" json:"file"`
	Rotate   bool   `yaml:"rotate" json:"rotate"`
	MaxBytes int64  `yaml:"max_bytes" json:"max_bytes"`
	Backups  int    `yaml:"backups" json:"backups"`
}

type SyncConfig struct {
	Interval   Duration `yaml:"interval" json:"interval"`
	Debounce   Duration `yaml:"debounce" json:"debounce"`
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay" json:"retry_delay"`
}

type CacheConfig struct {
	Enabled     bool `yaml:"enabled" json:"enabled"`
	MaxAge      int  `yaml:"max_age" json:"max_age"`
	Compression bool `yaml:"compression" json:"compression"`
	KeepAlive   bool `yaml:"keep_alive" json:"keep_alive"`
}

type StorageConfig struct {
	Provider              string `yaml:"provider" json:"provider"`
	JSONPath              string `yaml:"json_path" json:"json_path"`
	SQLitePath            string `yaml:"sqlite_path" json:"sqlite_path"`
	BackupBeforeMigration bool   `yaml:"backup_before_migration" json:"backup_before_migration"`
	BackupDir             string `yaml:"backup_dir" json:"backup_dir"`
}

type AuditConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	Dir           string   `yaml:"dir" json:"dir"`
	Store         string   `yaml:"store" json:"store"`
	MinSeverity   string   `yaml:"min_severity" json:"min_severity"`
	BufferSize    int      `yaml:"buffer_size" json:"buffer_size"`
	FlushInterval Duration `yaml:"flush_interval" json:"flush_interval"`
	RetainFiles   int      `yaml:"retain_files" json:"retain_files"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

const (
	ProviderJSON   = "json"
	ProviderSQLite = "sqlite"

	AuditStoreFile   = "file"
	AuditStoreSQLite = "sqlite"
)

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:          "localhost",
			PreferredPort: 8080,
			MinPort:       8080,
			MaxPort:       8090,
			Timeout:       Duration(30 * time.Second),
		},
		Paths: PathsConfig{
			HTMLDir:   "web_content",
			DataDir:   "web_content/data",
			IndexFile: "index.html",
		},
		CORS: CORSConfig{
			Enabled: true,
			Origins: []string{"*"},
			Methods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			Headers: []string{"Content-Type", "Authorization"},
		},
		Security: SecurityConfig{
			ValidatePaths:     true,
			MaxUploadBytes:    10 << 20,
			PublishRate:       20,
			PublishBurst:      40,
			AllowedExtensions: []string{".html", ".css", ".js", ".json", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico"},
		},
		Log: LogConfig{
			Level:    "INFO",
			Rotate:   true,
			MaxBytes: 10 << 20,
			Backups:  5,
		},
		Sync: SyncConfig{
			Interval:   Duration(time.Second),
			Debounce:   Duration(500 * time.Millisecond),
			MaxRetries: 3,
			RetryDelay: Duration(time.Second),
		},
		Cache: CacheConfig{
			Enabled:     true,
			MaxAge:      3600,
			Compression: true,
			KeepAlive:   true,
		},
		Storage: StorageConfig{
			Provider:              ProviderJSON,
			JSONPath:              "web_content/data/sync.json",
			SQLitePath:            "data/kairos.db",
			BackupBeforeMigration: true,
			BackupDir:             "data/backup",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Dir:           "logs/audit",
			Store:         AuditStoreFile,
			MinSeverity:   "INFO",
			BufferSize:    100,
			FlushInterval: Duration(30 * time.Second),
			RetainFiles:   30,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// DefaultPath is the config file used when neither a flag nor
// KAIROS_CONFIG_PATH names one.
const DefaultPath = "kairos.yaml"

// ResolvePath returns path when set, else KAIROS_CONFIG_PATH, else
// DefaultPath.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load builds the effective configuration: defaults, then the file at path
// (or KAIROS_CONFIG_PATH when path is empty), then a .env file, then
// KAIROS_* environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, apperror.Wrap(apperror.ConfigInvalid, "invalid environment override", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, apperror.Wrap(apperror.ConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

// ReadFile returns defaults overlaid with the file at path, without
// environment overrides or validation.
func ReadFile(path string) (Config, error) {
	cfg := Default()
	if err := loadFromFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrCreate reads the file at path, writing defaults there first if it
// does not exist.
func LoadOrCreate(path string) (Config, error) {
	cfg, err := ReadFile(path)
	if err == nil {
		return cfg, nil
	}
	if !apperror.HasCode(err, apperror.ConfigMissing) {
		return Config{}, err
	}
	cfg = Default()
	if err := Save(cfg, path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as JSON when the extension is .json, YAML
// otherwise.
func Save(cfg Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return apperror.Wrap(apperror.ConfigSave, "encode config", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperror.Wrap(apperror.ConfigSave, "create config dir", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apperror.Wrap(apperror.ConfigSave, "write config file", err)
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperror.Wrap(apperror.ConfigMissing, fmt.Sprintf("config file %s not found", path), err)
		}
		return apperror.Wrap(apperror.ConfigLoad, "read config file", err)
	}
	if isJSON(path) {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return apperror.Wrap(apperror.ConfigLoad, "parse config file", err)
	}
	return nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return apperror.Wrap(apperror.ConfigLoad, "parse .env file", err)
	}
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Duration is a time.Duration that reads and writes as "1.5s"-style text.
// Bare numbers are taken as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	return d.UnmarshalText(b)
}
