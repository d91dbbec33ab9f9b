package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpggio/kairos/internal/apperror"
	"github.com/rpggio/kairos/internal/domain/syncstate"
	"github.com/rpggio/kairos/internal/fswatch"
	"github.com/rpggio/kairos/internal/repository"
)

// DefaultWatchQuiet is how long the file must be untouched before a
// change is delivered to watchers.
const DefaultWatchQuiet = 500 * time.Millisecond

// SyncStore keeps the sync envelope in a single JSON file. It implements
// syncstate.Store and syncstate.Watcher.
type SyncStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	// WatchQuiet overrides DefaultWatchQuiet when positive.
	WatchQuiet time.Duration

	mu          sync.Mutex
	lastVersion int64
	lastWritten atomic.Int64
}

var (
	_ syncstate.Store   = (*SyncStore)(nil)
	_ syncstate.Watcher = (*SyncStore)(nil)
)

// NewSyncStore opens the file at path, creating it with an empty version 1
// payload when it does not exist yet.
func NewSyncStore(path string, logger *slog.Logger) (*SyncStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SyncStore{
		path:   path,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		if env, err := s.Load(context.Background()); err == nil {
			s.lastVersion = env.Version
		} else {
			logger.Warn("existing sync file is unreadable, it will be replaced on next write",
				"path", path, "error", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		initial := syncstate.Envelope{Timestamp: s.now(), Version: 1, Data: map[string]any{}}
		if err := s.write(initial); err != nil {
			return nil, err
		}
		s.lastVersion = 1
	default:
		return nil, classifyFSError(err, "stat sync file")
	}

	return s, nil
}

// Path of the backing file.
func (s *SyncStore) Path() string { return s.path }

// Load reads and decodes the file.
func (s *SyncStore) Load(ctx context.Context) (syncstate.Envelope, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return syncstate.Envelope{}, apperror.Wrap(apperror.SyncNotFound, "sync file not found", repository.ErrNotFound)
		}
		return syncstate.Envelope{}, classifyFSError(err, "read sync file")
	}
	return decodeEnvelope(raw)
}

func decodeEnvelope(raw []byte) (syncstate.Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return syncstate.Envelope{}, apperror.Wrap(apperror.SyncCorrupt, "sync file is not valid JSON", err)
	}
	if _, ok := fields["version"]; !ok {
		return syncstate.Envelope{}, apperror.New(apperror.SyncFormat, "sync file has no version field")
	}

	var env syncstate.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return syncstate.Envelope{}, apperror.Wrap(apperror.SyncFormat, "sync file has an unexpected shape", err)
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return env, nil
}

// Save writes data with the next version. A corrupt file is overwritten;
// the version still never goes backwards within this process.
func (s *SyncStore) Save(ctx context.Context, data map[string]any) (syncstate.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return syncstate.Envelope{}, err
	}
	if data == nil {
		data = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.lastVersion
	if env, err := s.Load(ctx); err == nil {
		current = max(current, env.Version)
	} else if apperror.HasCode(err, apperror.SyncDenied) {
		return syncstate.Envelope{}, err
	}

	env := syncstate.Envelope{Timestamp: s.now(), Version: current + 1, Data: data}
	if err := s.write(env); err != nil {
		return syncstate.Envelope{}, err
	}
	s.lastVersion = env.Version
	return env, nil
}

func (s *SyncStore) write(env syncstate.Envelope) error {
	payload, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return apperror.Wrap(apperror.SyncFormat, "encode sync payload", err)
	}
	if err := writeAtomic(s.path, payload); err != nil {
		return classifyFSError(err, "write sync file")
	}
	s.lastWritten.Store(env.Version)
	return nil
}

// Watch delivers envelopes written by other processes. Writes made through
// this store are not echoed back.
func (s *SyncStore) Watch(ctx context.Context, fn func(syncstate.Envelope)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return classifyFSError(err, "prepare sync directory")
	}
	quiet := s.WatchQuiet
	if quiet <= 0 {
		quiet = DefaultWatchQuiet
	}
	return fswatch.Watch(ctx, s.path, fswatch.Options{Quiet: quiet, Logger: s.logger}, func() {
		env, err := s.Load(ctx)
		if err != nil {
			s.logger.Warn("failed to reload sync file", "path", s.path, "error", err)
			return
		}
		if env.Version == s.lastWritten.Load() {
			return
		}
		s.mu.Lock()
		s.lastVersion = max(s.lastVersion, env.Version)
		s.mu.Unlock()
		fn(env)
	})
}

// Close releases nothing; the file stays on disk.
func (s *SyncStore) Close() error { return nil }

func classifyFSError(err error, op string) error {
	if errors.Is(err, fs.ErrPermission) {
		return apperror.Wrap(apperror.SyncDenied, op, err)
	}
	return apperror.Wrap(apperror.Unavailable, op, err)
}
