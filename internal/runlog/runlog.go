// Package runlog provides the append-only harness log.
//
// The run log is diagnostic output only: a failure to write it must never
// fail the operation being logged, so the writer swallows every I/O error.
package runlog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Writer appends to the log file at path. It implements io.Writer and never
// returns an error; if the file cannot be opened or written the bytes are
// silently dropped.
type Writer struct {
	mu   sync.Mutex
	path string
}

// New creates a Writer for the given log file path. The file is created on
// first write. An empty path yields a writer that discards everything.
func New(path string) *Writer {
	return &Writer{path: path}
}

// Write appends p to the log file. It always reports full success.
func (w *Writer) Write(p []byte) (int, error) {
	if w.path == "" {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return len(p), nil
	}
	defer f.Close()
	_, _ = f.Write(p)
	return len(p), nil
}

// NewLogger builds the harness logger: timestamped text lines appended to the
// log file and mirrored to mirror (typically os.Stderr). A nil mirror logs to
// the file only. Verbose raises the level to Debug.
func NewLogger(path string, mirror io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var out io.Writer = New(path)
	if mirror != nil {
		out = io.MultiWriter(mirror, out)
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
