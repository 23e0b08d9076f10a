// Package corememory manages the always-in-prompt memory document. The
// document is markdown partitioned by "## Section" headings and capped
// in size; it is rewritten whole on every change so a crash leaves either
// the old or the new contents on disk.
package corememory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultLimit is the document size cap in bytes.
const DefaultLimit = 4096

var (
	ErrSectionNotFound = errors.New("section not found")
	ErrTextNotFound    = errors.New("text not found in section")
	ErrSizeLimit       = errors.New("size limit exceeded")
)

// Doc is a handle on the core memory file.
type Doc struct {
	path  string
	limit int
}

// Option configures a Doc.
type Option func(*Doc)

// WithLimit overrides the byte cap.
func WithLimit(limit int) Option {
	return func(d *Doc) {
		if limit > 0 {
			d.limit = limit
		}
	}
}

// New builds a handle for the document at path. The file is created on
// first write.
func New(path string, opts ...Option) *Doc {
	d := &Doc{path: path, limit: DefaultLimit}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Read returns the whole document. A missing file reads as empty.
func (d *Doc) Read() (string, error) {
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read core memory: %w", err)
	}
	return string(data), nil
}

// Append adds content under the "## section" heading, creating the
// section at the end of the document when absent.
func (d *Doc) Append(section, content string) error {
	current, err := d.Read()
	if err != nil {
		return err
	}

	sections := parseSections(current)
	idx := findSection(sections, section)

	var next string
	if idx < 0 {
		doc := strings.TrimRight(current, "\n")
		if doc != "" {
			doc += "\n\n"
		}
		next = doc + "## " + strings.TrimSpace(section) + "\n" + strings.TrimSpace(content) + "\n"
	} else {
		body := strings.TrimRight(sections[idx].body, "\n")
		if strings.TrimSpace(body) == "" {
			sections[idx].body = strings.TrimSpace(content) + "\n"
		} else {
			sections[idx].body = body + "\n" + strings.TrimSpace(content) + "\n"
		}
		next = renderSections(sections)
	}

	return d.write(next)
}

// Replace swaps the first occurrence of old inside the named section
// for new. The match never crosses a section boundary.
func (d *Doc) Replace(section, old, new string) error {
	current, err := d.Read()
	if err != nil {
		return err
	}

	sections := parseSections(current)
	idx := findSection(sections, section)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrSectionNotFound, section)
	}
	if !strings.Contains(sections[idx].body, old) {
		return fmt.Errorf("%w: %q in %q", ErrTextNotFound, old, section)
	}
	sections[idx].body = strings.Replace(sections[idx].body, old, new, 1)

	return d.write(renderSections(sections))
}

// write enforces the size cap, then rewrites the file atomically. A
// rejected write leaves the previous contents untouched.
func (d *Doc) write(next string) error {
	if len(next) > d.limit {
		return fmt.Errorf("%w: %d bytes over %d", ErrSizeLimit, len(next), d.limit)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".core-memory-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(next); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, d.path); err != nil {
		return fmt.Errorf("replace core memory: %w", err)
	}
	return nil
}

// section is one "## Heading" block. preamble content before the first
// heading is carried as a section with an empty name.
type section struct {
	name string // as written, without the "## " prefix
	body string // everything after the heading line up to the next heading
}

func parseSections(doc string) []section {
	lines := strings.Split(doc, "\n")
	var sections []section
	current := section{}

	flush := func() {
		if current.name != "" || strings.TrimSpace(current.body) != "" {
			sections = append(sections, current)
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = section{name: strings.TrimSpace(strings.TrimPrefix(line, "## "))}
			continue
		}
		if current.body == "" {
			current.body = line
		} else {
			current.body += "\n" + line
		}
	}
	flush()
	return sections
}

// findSection matches section names case-insensitively.
func findSection(sections []section, name string) int {
	want := strings.ToLower(strings.TrimSpace(name))
	for i, s := range sections {
		if s.name != "" && strings.ToLower(s.name) == want {
			return i
		}
	}
	return -1
}

func renderSections(sections []section) string {
	var b strings.Builder
	for i, s := range sections {
		if s.name == "" {
			b.WriteString(strings.TrimRight(s.body, "\n"))
			b.WriteString("\n")
			continue
		}
		if i > 0 || b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + s.name + "\n")
		body := strings.TrimRight(s.body, "\n")
		if strings.TrimSpace(body) != "" {
			b.WriteString(body + "\n")
		}
	}
	return strings.TrimLeft(b.String(), "\n")
}
