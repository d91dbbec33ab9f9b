package config

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/fswatch"
)

// ChangeFunc receives the previous and the new configuration.
type ChangeFunc func(old, updated Config)

// Manager owns the live configuration backed by a file. The record is
// replaced as a whole; readers get a copy.
type Manager struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	cfg       Config
	listeners []ChangeFunc
}

// NewManager loads the file at path, creating it with defaults when it is
// missing, then applies a .env file and environment overrides.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	cfg, err := m.read(true)
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

// SetLogger replaces the logger used for reload messages.
func (m *Manager) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

// Path is the backing file.
func (m *Manager) Path() string { return m.path }

// Get returns the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnChange registers fn to run after every accepted change.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Update applies mutate to a copy of the current record, validates it,
// saves it and swaps it in. The live record is untouched on failure.
func (m *Manager) Update(mutate func(*Config)) (Config, error) {
	m.mu.Lock()
	next := clone(m.cfg)
	mutate(&next)
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return Config{}, apperror.Wrap(apperror.ConfigInvalid, "rejected configuration update", err)
	}
	if err := Save(next, m.path); err != nil {
		m.mu.Unlock()
		return Config{}, err
	}
	old := m.cfg
	m.cfg = next
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("configuration updated", "path", m.path)
	notify(listeners, old, next)
	return next, nil
}

// Reload re-reads the backing file. An invalid file leaves the current
// record in place and returns the error.
func (m *Manager) Reload() error {
	next, err := m.read(false)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.cfg
	if reflect.DeepEqual(old, next) {
		m.mu.Unlock()
		return nil
	}
	m.cfg = next
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded", "path", m.path)
	notify(listeners, old, next)
	return nil
}

// Watch reloads the configuration whenever the backing file changes. It
// blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context, quiet time.Duration) error {
	return fswatch.Watch(ctx, m.path, fswatch.Options{Quiet: quiet, Logger: m.logger}, func() {
		if err := m.Reload(); err != nil {
			m.logger.Warn("ignoring invalid configuration change", "path", m.path, "error", err)
		}
	})
}

func (m *Manager) read(create bool) (Config, error) {
	var (
		cfg Config
		err error
	)
	if create {
		cfg, err = LoadOrCreate(m.path)
	} else {
		cfg, err = ReadFile(m.path)
	}
	if err != nil {
		return Config{}, err
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

func notify(listeners []ChangeFunc, old, updated Config) {
	for _, fn := range listeners {
		fn(old, updated)
	}
}

func clone(c Config) Config {
	c.CORS.Origins = append([]string(nil), c.CORS.Origins...)
	c.CORS.Methods = append([]string(nil), c.CORS.Methods...)
	c.CORS.Headers = append([]string(nil), c.CORS.Headers...)
	c.Security.AllowedExtensions = append([]string(nil), c.Security.AllowedExtensions...)
	return c
}
