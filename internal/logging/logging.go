// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rpggio/kairos/internal/config"
)

// ParseLevel maps configured level names to slog levels. CRITICAL has no
// slog equivalent and logs at error.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a text logger writing to the configured file, or to stdout.
// stdio selects stderr instead of stdout so stdout stays free for a
// protocol stream. The returned closer releases the log file.
func New(cfg config.LogConfig, stdio bool) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	if stdio {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		fw, err := NewFileWriter(cfg.File, FileOptions{
			MaxBytes: cfg.MaxBytes,
			Rotate:   cfg.Rotate,
			Backups:  cfg.Backups,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = fw
		closer = fw
	}

	level := ParseLevel(cfg.Level)
	if cfg.Debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
