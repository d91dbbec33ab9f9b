package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const defaultMaxBytes = 6 * 1024 * 1024

// FileOptions bound the size of a log file.
type FileOptions struct {
	MaxBytes int64
	// Rotate renames full files to path.1 .. path.N. Without it the file is
	// truncated in place, keeping its newest five sixths.
	Rotate  bool
	Backups int
}

// FileWriter is a size-capped, goroutine-safe log file.
type FileWriter struct {
	path string
	opts FileOptions
	file *os.File
	mu   sync.Mutex
}

// NewFileWriter opens path for appending, creating its directory.
func NewFileWriter(path string, opts FileOptions) (*FileWriter, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	w := &FileWriter{path: path, opts: opts}
	if err := w.open(); err != nil {
		return nil, err
	}
	if err := w.enforceLimit(); err != nil {
		w.file.Close()
		return nil, err
	}
	return w, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (w *FileWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	return nil
}

func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.enforceLimit(); err != nil {
		return n, err
	}
	return n, nil
}

// Close closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func (w *FileWriter) enforceLimit() error {
	info, err := w.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= w.opts.MaxBytes {
		return nil
	}
	if w.opts.Rotate && w.opts.Backups > 0 {
		return w.rotate()
	}
	return w.truncate(info.Size())
}

func (w *FileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	for i := w.opts.Backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, fmt.Sprintf("%s.%d", w.path, i+1)); err != nil {
				return err
			}
		}
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return err
	}
	return w.open()
}

func (w *FileWriter) truncate(size int64) error {
	keep := w.opts.MaxBytes * 5 / 6

	buf := make([]byte, keep)
	if _, err := w.file.Seek(size-keep, io.SeekStart); err != nil {
		return err
	}
	n, err := io.ReadFull(w.file, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}
	buf = buf[:n]

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}
