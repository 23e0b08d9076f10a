// Package observability wires structured logging and process metrics.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string
	// Dir receives one JSONL file per day; empty disables file output.
	Dir string
	// Stderr mirrors records as human-readable text. Defaults to on.
	Stderr io.Writer
}

// NewLogger builds the root logger. Records go to a day-keyed JSONL file
// under Dir and, in parallel, as text to Stderr.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	level := LevelFromString(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	handlers := []slog.Handler{slog.NewTextHandler(stderr, opts)}
	var closer io.Closer = nopCloser{}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		day := newDayFile(cfg.Dir, "jsonl")
		handlers = append(handlers, slog.NewJSONHandler(day, opts))
		closer = day
	}

	return slog.New(newFanoutHandler(handlers...)), closer, nil
}

// LevelFromString converts a config string to a slog.Level, defaulting
// to info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// dayFile appends to <dir>/YYYY-MM-DD.<ext>, reopening when the date
// rolls over. Writes are serialized.
type dayFile struct {
	dir string
	ext string
	now func() time.Time

	mu      sync.Mutex
	current string
	file    *os.File
}

func newDayFile(dir, ext string) *dayFile {
	return &dayFile{dir: dir, ext: ext, now: time.Now}
}

func (d *dayFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().UTC().Format("2006-01-02")
	if d.file == nil || d.current != day {
		if d.file != nil {
			_ = d.file.Close()
		}
		path := filepath.Join(d.dir, day+"."+d.ext)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return 0, err
		}
		d.file = f
		d.current = day
	}
	return d.file.Write(p)
}

func (d *dayFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
