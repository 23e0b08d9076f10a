package channels

import (
	"strings"
	"testing"
)

func TestSplitShortTextPassesThrough(t *testing.T) {
	c := NewChunker(100)
	text := "short message\nwith a line break"
	got := c.Split(text)
	if len(got) != 1 || got[0] != text {
		t.Errorf("Split() = %v, want the text unchanged", got)
	}
}

func TestSplitEmptyText(t *testing.T) {
	c := NewChunker(100)
	if got := c.Split(""); got != nil {
		t.Errorf("Split(\"\") = %v, want nil", got)
	}
	if got := c.Split("   \n\t"); got != nil {
		t.Errorf("Split(whitespace) = %v, want nil", got)
	}
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	first := strings.Repeat("a", 60)
	second := strings.Repeat("b", 60)
	got := NewChunker(100).Split(first + "\n\n" + second)

	if len(got) != 2 {
		t.Fatalf("len(chunks) = %d, want 2: %q", len(got), got)
	}
	if got[0] != first {
		t.Errorf("chunk[0] = %q, want the first paragraph", got[0])
	}
	if got[1] != second {
		t.Errorf("chunk[1] = %q, want the second paragraph", got[1])
	}
}

func TestSplitFallsBackToLineBreaks(t *testing.T) {
	lines := []string{
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
		strings.Repeat("c", 40),
	}
	got := NewChunker(100).Split(strings.Join(lines, "\n"))

	if len(got) != 2 {
		t.Fatalf("len(chunks) = %d, want 2: %q", len(got), got)
	}
	if !strings.HasSuffix(got[0], lines[1]) {
		t.Errorf("chunk[0] should end at a line boundary, got %q", got[0])
	}
	if got[1] != lines[2] {
		t.Errorf("chunk[1] = %q, want the last line", got[1])
	}
}

func TestSplitFallsBackToSentences(t *testing.T) {
	text := "This is the first sentence. " + strings.Repeat("x", 80)
	got := NewChunker(100).Split(text)

	if len(got) != 2 {
		t.Fatalf("len(chunks) = %d, want 2: %q", len(got), got)
	}
	if got[0] != "This is the first sentence." {
		t.Errorf("chunk[0] = %q, want the full sentence", got[0])
	}
}

func TestSplitHardCutsUnbrokenText(t *testing.T) {
	c := NewChunker(100)
	got := c.Split(strings.Repeat("a", 210))

	if len(got) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(got))
	}
	for i, chunk := range got {
		if len(chunk) > c.MaxSize {
			t.Errorf("chunk[%d] length = %d, exceeds %d", i, len(chunk), c.MaxSize)
		}
	}
	if strings.Join(got, "") != strings.Repeat("a", 210) {
		t.Error("hard cuts should preserve every byte")
	}
}

func TestSplitClosesAndReopensCodeFence(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for i := 0; i < 40; i++ {
		b.WriteString("doWork(ctx, client)\n")
	}
	b.WriteString("```")

	got := NewChunker(200).Split(b.String())
	if len(got) < 2 {
		t.Fatalf("len(chunks) = %d, want at least 2", len(got))
	}
	for i, chunk := range got[:len(got)-1] {
		if !strings.HasSuffix(chunk, "```") {
			t.Errorf("chunk[%d] should close its fence, got tail %q", i, tail(chunk))
		}
	}
	for i, chunk := range got[1:] {
		if !strings.HasPrefix(chunk, "```go\n") {
			t.Errorf("chunk[%d] should reopen the fence with its language tag, got head %q", i+1, head(chunk))
		}
	}
}

func TestSplitChunksStayNearCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("A paragraph of prose that runs on for a little while to fill space.\n\n")
	}
	b.WriteString("```python\n")
	for i := 0; i < 50; i++ {
		b.WriteString("print('hello from a long script')\n")
	}
	b.WriteString("```\n\nclosing remarks.")

	c := NewChunker(300)
	// A closed fence adds "\n```" on top of the cut point.
	limit := c.MaxSize + 4
	for i, chunk := range c.Split(b.String()) {
		if len(chunk) > limit {
			t.Errorf("chunk[%d] length = %d, exceeds %d", i, len(chunk), limit)
		}
	}
}

func TestNewChunkerFloorsTinySizes(t *testing.T) {
	if c := NewChunker(10); c.MaxSize != 64 {
		t.Errorf("MaxSize = %d, want 64", c.MaxSize)
	}
	if c := NewChunker(0); c.MaxSize != DefaultChunkSize {
		t.Errorf("MaxSize = %d, want %d", c.MaxSize, DefaultChunkSize)
	}
}

func head(s string) string {
	if len(s) > 20 {
		return s[:20]
	}
	return s
}

func tail(s string) string {
	if len(s) > 20 {
		return s[len(s)-20:]
	}
	return s
}
