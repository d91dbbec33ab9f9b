package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpggio/kairos/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"WARNING":  slog.LevelWarn,
		"warn":     slog.LevelWarn,
		"ERROR":    slog.LevelError,
		"CRITICAL": slog.LevelError,
		"bogus":    slog.LevelInfo,
	}
	for in, want := range tests {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kairos.log")

	logger, closer, err := New(config.LogConfig{Level: "WARNING", File: path}, false)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "port", 8080)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), "msg=shown port=8080")
}

func TestNew_DebugOverridesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kairos.log")
	logger, closer, err := New(config.LogConfig{Level: "ERROR", Debug: true, File: path}, false)
	require.NoError(t, err)
	defer closer.Close()

	require.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestFileWriter_TruncateKeepsNewest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kairos.log")
	w, err := NewFileWriter(path, FileOptions{MaxBytes: 600})
	require.NoError(t, err)
	defer w.Close()

	for i := range 100 {
		_, err := fmt.Fprintf(w, "line %03d\n", i)
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), 600)
	require.True(t, bytes.HasSuffix(data, []byte("line 099\n")))
	require.NotContains(t, string(data), "line 000")
}

func TestFileWriter_Rotate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kairos.log")
	w, err := NewFileWriter(path, FileOptions{MaxBytes: 100, Rotate: true, Backups: 2})
	require.NoError(t, err)
	defer w.Close()

	line := bytes.Repeat([]byte("x"), 60)
	for range 6 {
		_, err := w.Write(append(line, '\n'))
		require.NoError(t, err)
	}

	require.FileExists(t, path+".1")
	require.FileExists(t, path+".2")
	require.NoFileExists(t, path+".3")
}
