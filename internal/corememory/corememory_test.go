package corememory

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestDoc(t *testing.T, opts ...Option) *Doc {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "core-memory.md"), opts...)
}

func TestAppendCreatesSection(t *testing.T) {
	doc := newTestDoc(t)

	if err := doc.Append("User", "Name is Marta"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	content, err := doc.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "## User") || !strings.Contains(content, "Name is Marta") {
		t.Errorf("document missing section or content:\n%s", content)
	}
}

func TestAppendToExistingSection(t *testing.T) {
	doc := newTestDoc(t)

	if err := doc.Append("User", "Name is Marta"); err != nil {
		t.Fatal(err)
	}
	if err := doc.Append("Preferences", "Likes tea"); err != nil {
		t.Fatal(err)
	}
	if err := doc.Append("user", "Lives in Lisbon"); err != nil {
		t.Fatal(err)
	}

	content, _ := doc.Read()
	userIdx := strings.Index(content, "## User")
	prefIdx := strings.Index(content, "## Preferences")
	lisbonIdx := strings.Index(content, "Lives in Lisbon")

	if userIdx < 0 || prefIdx < 0 || lisbonIdx < 0 {
		t.Fatalf("missing parts:\n%s", content)
	}
	if !(userIdx < lisbonIdx && lisbonIdx < prefIdx) {
		t.Errorf("append landed outside its section:\n%s", content)
	}
	if strings.Count(content, "## User") != 1 {
		t.Errorf("duplicate section created:\n%s", content)
	}
}

func TestReplaceInsideSection(t *testing.T) {
	doc := newTestDoc(t)
	if err := doc.Append("Focus", "working on the garden"); err != nil {
		t.Fatal(err)
	}
	if err := doc.Append("Other", "working on the garage"); err != nil {
		t.Fatal(err)
	}

	if err := doc.Replace("Focus", "the garden", "the kitchen"); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	content, _ := doc.Read()
	if !strings.Contains(content, "working on the kitchen") {
		t.Errorf("replacement missing:\n%s", content)
	}
	if !strings.Contains(content, "working on the garage") {
		t.Errorf("replacement leaked into another section:\n%s", content)
	}
}

func TestReplaceErrors(t *testing.T) {
	doc := newTestDoc(t)
	if err := doc.Append("User", "Name is Marta"); err != nil {
		t.Fatal(err)
	}

	if err := doc.Replace("Missing", "a", "b"); !errors.Is(err, ErrSectionNotFound) {
		t.Errorf("want ErrSectionNotFound, got %v", err)
	}
	if err := doc.Replace("User", "absent text", "b"); !errors.Is(err, ErrTextNotFound) {
		t.Errorf("want ErrTextNotFound, got %v", err)
	}
}

func TestSizeLimitPreservesContents(t *testing.T) {
	doc := newTestDoc(t, WithLimit(120))

	if err := doc.Append("User", "short note"); err != nil {
		t.Fatal(err)
	}
	before, _ := doc.Read()

	err := doc.Append("User", strings.Repeat("x", 200))
	if !errors.Is(err, ErrSizeLimit) {
		t.Fatalf("want ErrSizeLimit, got %v", err)
	}

	after, _ := doc.Read()
	if after != before {
		t.Errorf("rejected write modified the document:\nbefore: %q\nafter: %q", before, after)
	}
}

func TestAppendPreservesPreamble(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core-memory.md")
	seed := "# Core Memory\n\n## User\nName is Marta\n"
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := New(path)
	if err := doc.Append("User", "Lives in Lisbon"); err != nil {
		t.Fatal(err)
	}

	content, _ := doc.Read()
	if !strings.HasPrefix(content, "# Core Memory") {
		t.Errorf("preamble lost:\n%s", content)
	}
}

func TestReadMissingFile(t *testing.T) {
	doc := newTestDoc(t)
	content, err := doc.Read()
	if err != nil || content != "" {
		t.Errorf("Read on missing file = %q, %v; want empty, nil", content, err)
	}
}
