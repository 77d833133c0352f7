package app

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// NewLogger returns a slog.Logger with formatting based on env
// prod JSON logs, others text logs.
// The level variable is shared so SIGUSR2 can toggle trace at runtime.
func NewLogger(env string, w io.Writer, level *slog.LevelVar) *slog.Logger {
	var handler slog.Handler
	if env == "prod" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// ReopenWriter is a log sink that can be reopened on SIGHUP after the
// file has been rotated away.
type ReopenWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func NewReopenWriter(path string) (*ReopenWriter, error) {
	w := &ReopenWriter{path: path}
	if err := w.Reopen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *ReopenWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return len(p), nil
	}
	return w.f.Write(p)
}

// Reopen closes the current file and opens the configured path again.
func (w *ReopenWriter) Reopen() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.mu.Lock()
	old := w.f
	w.f = f
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (w *ReopenWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
