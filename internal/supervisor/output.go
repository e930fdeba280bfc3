package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxLineBytes caps a buffered partial line; longer output is logged in chunks.
const maxLineBytes = 64 * 1024

// lineWriter logs everything written to it one line at a time.
type lineWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	buf    []byte
}

func newLineWriter(logger *slog.Logger, level slog.Level) *lineWriter {
	return &lineWriter{logger: logger, level: level}
}

func (w *lineWriter) setPID(pid int) {
	w.mu.Lock()
	w.logger = w.logger.With("pid", pid)
	w.mu.Unlock()
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush logs a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, "backend output", "line", string(line))
}
