// Package history keeps the append-only conversation audit trail. Messages
// append to day-keyed JSONL files under the data directory; the reflection
// pass and the /log command read their windows back from here.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Log appends messages to history/YYYY-MM-DD.jsonl, one JSON object per
// line. The file handle is held open and rotated when the UTC day changes.
type Log struct {
	mu      sync.Mutex
	dir     string
	logger  *slog.Logger
	now     func() time.Time
	file    *os.File
	fileDay string
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger.With("component", "history")
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLog creates a log rooted at dir. The directory is created on the first
// write.
func NewLog(dir string, opts ...Option) *Log {
	l := &Log{
		dir:    dir,
		logger: slog.Default().With("component", "history"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes one message to the day file matching its arrival time. A
// zero ArrivedAt is stamped with the current time first.
func (l *Log) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	m := *msg
	if m.ArrivedAt.IsZero() {
		m.ArrivedAt = l.now().UTC()
	}

	f, err := l.fileFor(m.ArrivedAt)
	if err != nil {
		return err
	}
	line, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("history: marshal message: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("history: append message: %w", err)
	}
	return nil
}

// Recent returns the last limit messages in arrival order. It reads back at
// most two day files, which covers the tail even just after midnight.
func (l *Log) Recent(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	today := l.now().UTC()
	msgs, err := l.readDay(today.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}
	rest, err := l.readDay(today)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, rest...)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Since returns all messages that arrived at or after the given time, in
// arrival order. It walks one day file per UTC day in the window.
func (l *Log) Since(ctx context.Context, since time.Time) ([]*models.Message, error) {
	since = since.UTC()
	end := l.now().UTC()
	if since.After(end) {
		return nil, nil
	}

	var out []*models.Message
	for day := since.Truncate(24 * time.Hour); !day.After(end); day = day.AddDate(0, 0, 1) {
		msgs, err := l.readDay(day)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.ArrivedAt.Before(since) {
				continue
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// Close releases the open day file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.fileDay = ""
	return err
}

func (l *Log) fileFor(ts time.Time) (*os.File, error) {
	day := ts.UTC().Format("2006-01-02")
	if l.file != nil && l.fileDay == day {
		return l.file, nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.logger.Warn("closing previous day file failed", "error", err)
		}
		l.file = nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	l.file = f
	l.fileDay = day
	return f, nil
}

// readDay decodes one day file. Lines that fail to parse are skipped so a
// torn final line from a crash never breaks readback.
func (l *Log) readDay(day time.Time) ([]*models.Message, error) {
	path := filepath.Join(l.dir, day.UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}

	var msgs []*models.Message
	skipped := 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var m models.Message
			if err := json.Unmarshal(line, &m); err != nil {
				skipped++
				continue
			}
			msgs = append(msgs, &m)
		}
	}
	if skipped > 0 {
		l.logger.Warn("skipped unreadable history lines", "file", path, "lines", skipped)
	}
	return msgs, nil
}
