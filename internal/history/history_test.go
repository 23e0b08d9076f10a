package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-dev/vigil/pkg/models"
)

func msg(id, content string, at time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		ChannelID: "tg:1",
		UserID:    "primary",
		Platform:  models.PlatformTelegram,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   content,
		ArrivedAt: at,
	}
}

func TestAppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	log := NewLog(dir, WithNow(func() time.Time { return now }))
	defer log.Close()

	ctx := context.Background()
	for i, content := range []string{"first", "second", "third"} {
		at := now.Add(time.Duration(i) * time.Minute)
		if err := log.Append(ctx, msg(string(rune('a'+i)), content, at)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d messages, want 2", len(got))
	}
	if got[0].Content != "second" || got[1].Content != "third" {
		t.Errorf("Recent tail = %q, %q; want second, third", got[0].Content, got[1].Content)
	}
}

func TestRecentSpansMidnight(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 3, 4, 23, 50, 0, 0, time.UTC)
	log := NewLog(dir, WithNow(func() time.Time { return clock }))
	defer log.Close()

	ctx := context.Background()
	if err := log.Append(ctx, msg("a", "before midnight", clock)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	clock = clock.Add(20 * time.Minute) // now 2026-03-05 00:10
	if err := log.Append(ctx, msg("b", "after midnight", clock)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Two day files now exist.
	for _, day := range []string{"2026-03-04", "2026-03-05"} {
		if _, err := os.Stat(filepath.Join(dir, day+".jsonl")); err != nil {
			t.Fatalf("day file %s: %v", day, err)
		}
	}

	got, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d messages, want 2", len(got))
	}
	if got[0].Content != "before midnight" || got[1].Content != "after midnight" {
		t.Errorf("Recent order wrong: %q, %q", got[0].Content, got[1].Content)
	}
}

func TestSinceFiltersWindow(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	log := NewLog(dir, WithNow(func() time.Time { return now }))
	defer log.Close()

	ctx := context.Background()
	old := msg("a", "yesterday", now.Add(-24*time.Hour))
	recent := msg("b", "an hour ago", now.Add(-time.Hour))
	fresh := msg("c", "just now", now)
	for _, m := range []*models.Message{old, recent, fresh} {
		if err := log.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := log.Since(ctx, now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Since returned %d messages, want 2", len(got))
	}
	if got[0].Content != "an hour ago" || got[1].Content != "just now" {
		t.Errorf("Since window = %q, %q", got[0].Content, got[1].Content)
	}

	future, err := log.Since(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Since future: %v", err)
	}
	if len(future) != 0 {
		t.Errorf("Since with a future cutoff returned %d messages", len(future))
	}
}

func TestAppendStampsZeroArrival(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	log := NewLog(dir, WithNow(func() time.Time { return now }))
	defer log.Close()

	ctx := context.Background()
	m := msg("a", "unstamped", time.Time{})
	if err := log.Append(ctx, m); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := log.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent returned %d messages, want 1", len(got))
	}
	if !got[0].ArrivedAt.Equal(now) {
		t.Errorf("ArrivedAt = %v, want %v", got[0].ArrivedAt, now)
	}
}

func TestReadSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	log := NewLog(dir, WithNow(func() time.Time { return now }))
	defer log.Close()

	ctx := context.Background()
	if err := log.Append(ctx, msg("a", "intact", now)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Simulate a crash mid-write: a truncated JSON object on the last line.
	path := filepath.Join(dir, "2026-03-04.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open day file: %v", err)
	}
	if _, err := f.WriteString(`{"id":"b","content":"torn`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	f.Close()

	got, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Content != "intact" {
		t.Fatalf("Recent after torn line = %+v, want the single intact message", got)
	}
}
