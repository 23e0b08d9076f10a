// Package markdown rewrites model output for platforms that cannot
// render the full markdown surface. Today that means tables: Telegram
// shows them best monospaced, WhatsApp not at all.
package markdown

import (
	"regexp"
	"strings"

	"github.com/vigil-dev/vigil/pkg/models"
)

// TableMode selects what happens to markdown tables on the way out.
type TableMode string

const (
	// TableModeOff leaves tables alone.
	TableModeOff TableMode = "off"
	// TableModeBullets flattens each row into a bullet line.
	TableModeBullets TableMode = "bullets"
	// TableModeCode wraps the table in a code fence so it renders
	// monospaced.
	TableModeCode TableMode = "code"
)

// ModeForPlatform picks the rendering that degrades least on each
// platform.
func ModeForPlatform(p models.Platform) TableMode {
	switch p {
	case models.PlatformTelegram:
		return TableModeCode
	case models.PlatformWhatsApp:
		return TableModeBullets
	default:
		return TableModeOff
	}
}

// Table is one markdown table located inside a larger text.
type Table struct {
	Headers []string
	Rows    [][]string

	// Raw is the table text as it appeared, Start and End its byte
	// offsets in the surrounding string.
	Raw   string
	Start int
	End   int
}

var (
	rowRe = regexp.MustCompile(`^\s*\|(.+)\|\s*$`)
	sepRe = regexp.MustCompile(`^\s*\|[\s\-:|]+\|\s*$`)
)

// ConvertTables rewrites every table in text according to mode.
func ConvertTables(text string, mode TableMode) string {
	if mode == TableModeOff || mode == "" {
		return text
	}
	tables := FindTables(text)
	if len(tables) == 0 {
		return text
	}

	// Rewriting back to front keeps the earlier offsets valid.
	out := text
	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		var converted string
		switch mode {
		case TableModeBullets:
			converted = tableToBullets(t)
		case TableModeCode:
			converted = tableToCode(t)
		default:
			continue
		}
		out = out[:t.Start] + converted + out[t.End:]
	}
	return out
}

// FindTables locates markdown tables: a header row, a separator row,
// then at least one data row.
func FindTables(text string) []Table {
	var tables []Table
	lines := strings.Split(text, "\n")

	offset := 0
	i := 0
	for i < len(lines) {
		if !rowRe.MatchString(lines[i]) {
			offset += len(lines[i]) + 1
			i++
			continue
		}
		t, end := parseTable(lines, i)
		if t == nil {
			offset += len(lines[i]) + 1
			i++
			continue
		}

		raw := strings.Join(lines[i:end], "\n")
		t.Raw = raw
		t.Start = offset
		t.End = offset + len(raw)
		if t.End > len(text) {
			t.End = len(text)
		}
		tables = append(tables, *t)

		offset += len(raw) + 1
		i = end
	}
	return tables
}

// parseTable reads a table starting at lines[start]. It returns nil
// when the lines there do not form a complete table, otherwise the
// table and the index of the first line past it.
func parseTable(lines []string, start int) (*Table, int) {
	headers := parseCells(lines[start])
	if len(headers) == 0 {
		return nil, start
	}
	if start+1 >= len(lines) || !sepRe.MatchString(lines[start+1]) {
		return nil, start
	}

	t := &Table{Headers: headers}
	end := start + 2
	for end < len(lines) && rowRe.MatchString(lines[end]) {
		cells := parseCells(lines[end])
		// Short rows pad out so every cell pairs with a header.
		for len(cells) < len(headers) {
			cells = append(cells, "")
		}
		t.Rows = append(t.Rows, cells)
		end++
	}
	if len(t.Rows) == 0 {
		return nil, start
	}
	return t, end
}

func parseCells(row string) []string {
	row = strings.TrimSpace(row)
	row = strings.TrimPrefix(row, "|")
	row = strings.TrimSuffix(row, "|")

	parts := strings.Split(row, "|")
	cells := make([]string, 0, len(parts))
	for _, part := range parts {
		cells = append(cells, strings.TrimSpace(part))
	}
	return cells
}

// tableToBullets renders each data row as a single bullet line,
// pairing cells with their headers and dropping empty cells.
func tableToBullets(t Table) string {
	var lines []string
	for _, row := range t.Rows {
		var parts []string
		for i, cell := range row {
			if cell == "" {
				continue
			}
			label := ""
			if i < len(t.Headers) && t.Headers[i] != "" {
				label = t.Headers[i] + ": "
			}
			parts = append(parts, label+cell)
		}
		if len(parts) > 0 {
			lines = append(lines, "• "+strings.Join(parts, " | "))
		}
	}
	return strings.Join(lines, "\n")
}

func tableToCode(t Table) string {
	return "```\n" + t.Raw + "\n```"
}
