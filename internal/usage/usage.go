// Package usage keeps the per-call token and cost ledger. Entries append to
// day-keyed JSONL files under the data directory so spend can be audited
// without a database.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Cost is pricing for one model in USD per million tokens.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Estimate returns the USD cost of a call at this price point.
func (c Cost) Estimate(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*c.Input + float64(outputTokens)*c.Output) / 1_000_000
}

// Entry is one ledger line.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	UserID       string    `json:"user_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
}

// Ledger appends entries to usage/YYYY-MM-DD.jsonl, one JSON object per
// line. The file handle is held open and rotated when the UTC day changes.
type Ledger struct {
	mu      sync.Mutex
	dir     string
	prices  map[string]Cost
	logger  *slog.Logger
	now     func() time.Time
	file    *os.File
	fileDay string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrices installs the model price table used to fill CostUSD.
func WithPrices(prices map[string]Cost) Option {
	return func(l *Ledger) { l.prices = prices }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger.With("component", "usage")
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates a ledger rooted at dir. The directory is created on the
// first write.
func NewLedger(dir string, opts ...Option) *Ledger {
	l := &Ledger{
		dir:    dir,
		prices: map[string]Cost{},
		logger: slog.Default().With("component", "usage"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record fills in the timestamp and cost when unset and appends the entry.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.CostUSD == 0 {
		if price, ok := l.prices[e.Model]; ok {
			e.CostUSD = price.Estimate(e.InputTokens, e.OutputTokens)
		}
	}

	f, err := l.fileFor(e.Timestamp)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("usage: marshal entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("usage: append entry: %w", err)
	}
	return nil
}

// Close releases the open day file.
func (l *Ledger) Close() error {
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

// ReadDay returns all entries recorded on the given UTC day.
func (l *Ledger) ReadDay(day time.Time) ([]Entry, error) {
	path := filepath.Join(l.dir, day.UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeLines(data)
}

func (l *Ledger) fileFor(ts time.Time) (*os.File, error) {
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
		return nil, fmt.Errorf("usage: create dir: %w", err)
	}
	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", path, err)
	}
	l.file = f
	l.fileDay = day
	return f, nil
}

func decodeLines(data []byte) ([]Entry, error) {
	var entries []Entry
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return entries, fmt.Errorf("usage: corrupt ledger line: %w", err)
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}
