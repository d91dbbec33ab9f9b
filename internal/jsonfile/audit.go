package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rpggio/kairos/internal/domain/audit"
)

const (
	auditPrefix     = "audit_"
	auditSuffix     = ".json"
	auditDateLayout = "2006-01-02"
	corruptSuffix   = ".corrupt"
)

// errCorruptAudit marks a day file that is not a JSON array of events.
var errCorruptAudit = errors.New("corrupt audit file")

// AuditStore appends audit events to one JSON array file per UTC day and
// keeps at most RetainFiles of them.
type AuditStore struct {
	dir    string
	retain int
	logger *slog.Logger
	mu     sync.Mutex
}

var _ audit.Repository = (*AuditStore)(nil)

// NewAuditStore creates the directory if needed. retain <= 0 keeps every
// file.
func NewAuditStore(dir string, retain int, logger *slog.Logger) (*AuditStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &AuditStore{dir: dir, retain: retain, logger: logger}, nil
}

// FileFor returns the file holding events of day t.
func (s *AuditStore) FileFor(t time.Time) string {
	return filepath.Join(s.dir, auditPrefix+t.UTC().Format(auditDateLayout)+auditSuffix)
}

// Append adds events to their day files. A corrupt day file is moved aside
// to <name>.corrupt and a fresh one is started.
func (s *AuditStore) Append(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byFile := map[string][]audit.Event{}
	var order []string
	for _, e := range events {
		path := s.FileFor(e.Timestamp)
		if _, ok := byFile[path]; !ok {
			order = append(order, path)
		}
		byFile[path] = append(byFile[path], e)
	}

	for _, path := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		existing, err := readEvents(path)
		if errors.Is(err, errCorruptAudit) {
			existing, err = nil, s.quarantine(path, err)
		}
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(append(existing, byFile[path]...), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode audit events: %w", err)
		}
		if err := writeAtomic(path, data); err != nil {
			return fmt.Errorf("failed to write audit file: %w", err)
		}
	}

	return s.prune()
}

// List scans day files newest first.
func (s *AuditStore) List(ctx context.Context, q audit.Query) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files()
	if err != nil {
		return nil, err
	}

	var out []audit.Event
	for i := len(files) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day, ok := fileDay(files[i])
		if ok && !q.Since.IsZero() && day.AddDate(0, 0, 1).Before(q.Since) {
			break
		}
		events, err := readEvents(filepath.Join(s.dir, files[i]))
		if errors.Is(err, errCorruptAudit) {
			s.logger.Warn("skipping unreadable audit file", "file", files[i], "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if q.Matches(e) {
				out = append(out, e)
			}
		}
	}

	slices.SortStableFunc(out, func(a, b audit.Event) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// files returns audit file names sorted oldest first.
func (s *AuditStore) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := fileDay(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *AuditStore) quarantine(path string, cause error) error {
	s.logger.Warn("moving corrupt audit file aside", "file", filepath.Base(path), "error", cause)
	if err := os.Rename(path, path+corruptSuffix); err != nil {
		return fmt.Errorf("failed to move corrupt audit file: %w", err)
	}
	return nil
}

func (s *AuditStore) prune() error {
	if s.retain <= 0 {
		return nil
	}
	names, err := s.files()
	if err != nil {
		return err
	}
	for len(names) > s.retain {
		if err := os.Remove(filepath.Join(s.dir, names[0])); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove old audit file: %w", err)
		}
		names = names[1:]
	}
	return nil
}

func fileDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, auditPrefix) || !strings.HasSuffix(name, auditSuffix) {
		return time.Time{}, false
	}
	day, err := time.Parse(auditDateLayout, strings.TrimSuffix(strings.TrimPrefix(name, auditPrefix), auditSuffix))
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func readEvents(path string) ([]audit.Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var events []audit.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errCorruptAudit, filepath.Base(path), err)
	}
	return events, nil
}
