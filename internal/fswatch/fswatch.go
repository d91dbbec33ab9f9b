// Package fswatch reports debounced changes to a single file.
package fswatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
)

// Options tune a watch. Zero values get defaults.
type Options struct {
	Quiet  time.Duration // how long the file must stay untouched
	Tick   time.Duration // how often pending events are checked
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Watch calls onChange once the file at path has been quiet for
// opts.Quiet after a write, create or rename. The parent directory is
// watched so atomic replace-by-rename is seen. Watch blocks until ctx is
// done and returns nil in that case.
func Watch(ctx context.Context, path string, opts Options, onChange func()) error {
	if opts.Quiet <= 0 {
		opts.Quiet = 500 * time.Millisecond
	}
	if opts.Tick <= 0 {
		opts.Tick = opts.Quiet / 5
		if opts.Tick <= 0 {
			opts.Tick = 10 * time.Millisecond
		}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve watch path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var pending time.Time
	ticker := opts.Clock.NewTicker(opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = opts.Clock.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("file watcher error", "path", abs, "error", err)

		case <-ticker.Chan():
			if pending.IsZero() {
				continue
			}
			if opts.Clock.Since(pending) >= opts.Quiet {
				pending = time.Time{}
				onChange()
			}
		}
	}
}
