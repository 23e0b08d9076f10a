package markdown

import (
	"strings"
	"testing"

	"github.com/vigil-dev/vigil/pkg/models"
)

func TestFindTables(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCount int
	}{
		{
			name:      "no tables",
			input:     "Just some text\nwithout tables",
			wantCount: 0,
		},
		{
			name: "simple table",
			input: `| Header 1 | Header 2 |
|----------|----------|
| Cell 1   | Cell 2   |`,
			wantCount: 1,
		},
		{
			name: "table in surrounding text",
			input: `Some text before

| Column A | Column B |
|----------|----------|
| Value 1  | Value 2  |

Some text after`,
			wantCount: 1,
		},
		{
			name: "multiple tables",
			input: `First table:

| A | B |
|---|---|
| 1 | 2 |

Second table:

| X | Y |
|---|---|
| 3 | 4 |`,
			wantCount: 2,
		},
		{
			name: "missing separator is not a table",
			input: `| Header 1 | Header 2 |
| Cell 1   | Cell 2   |`,
			wantCount: 0,
		},
		{
			name: "header without data rows is not a table",
			input: `| Header 1 | Header 2 |
|----------|----------|`,
			wantCount: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := FindTables(tt.input)
			if len(tables) != tt.wantCount {
				t.Errorf("FindTables() found %d tables, want %d", len(tables), tt.wantCount)
			}
		})
	}
}

func TestConvertTablesBullets(t *testing.T) {
	input := `Here is a table:

| Name | Role |
|------|------|
| Alice | Developer |
| Bob | Designer |

End of text.`

	result := ConvertTables(input, TableModeBullets)

	if strings.Contains(result, "|---") {
		t.Error("table separator should be removed")
	}
	if !strings.Contains(result, "• Name: Alice | Role: Developer") {
		t.Errorf("row not flattened to a bullet: %s", result)
	}
	if !strings.Contains(result, "Here is a table:") || !strings.Contains(result, "End of text.") {
		t.Error("surrounding text should be preserved")
	}
}

func TestConvertTablesCode(t *testing.T) {
	input := `Table:

| A | B |
|---|---|
| 1 | 2 |`

	result := ConvertTables(input, TableModeCode)

	if !strings.Contains(result, "```\n| A | B |") {
		t.Error("expected table wrapped in a code fence")
	}
	if !strings.Contains(result, "| 1 | 2 |\n```") {
		t.Error("expected closing fence after the last row")
	}
}

func TestConvertTablesOff(t *testing.T) {
	input := `| A | B |
|---|---|
| 1 | 2 |`

	if result := ConvertTables(input, TableModeOff); result != input {
		t.Errorf("TableModeOff changed the input: %s", result)
	}
}

func TestConvertTablesRewritesAllTables(t *testing.T) {
	input := `Table 1:
| X | Y |
|---|---|
| a | b |

Table 2:
| P | Q |
|---|---|
| c | d |`

	result := ConvertTables(input, TableModeBullets)

	if count := strings.Count(result, "• "); count != 2 {
		t.Errorf("expected 2 bullet lines, got %d", count)
	}
	if !strings.Contains(result, "X: a") || !strings.Contains(result, "P: c") {
		t.Errorf("not every table was converted: %s", result)
	}
}

func TestParseCells(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"| A | B | C |", []string{"A", "B", "C"}},
		{"|A|B|C|", []string{"A", "B", "C"}},
		{"| First cell | Second cell |", []string{"First cell", "Second cell"}},
		{"|  Padded  |  Content  |", []string{"Padded", "Content"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseCells(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("parseCells() got %d cells, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("cell %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTableToBulletsSkipsEmptyCells(t *testing.T) {
	table := Table{
		Headers: []string{"Name", "Notes"},
		Rows: [][]string{
			{"Alice", ""},
			{"", "Some note"},
		},
	}

	result := tableToBullets(table)

	if strings.Contains(result, "Name: |") || strings.Contains(result, "| Notes:  ") {
		t.Errorf("empty cell leaked into output: %s", result)
	}
	if !strings.Contains(result, "• Name: Alice") {
		t.Errorf("missing first row: %s", result)
	}
	if !strings.Contains(result, "• Notes: Some note") {
		t.Errorf("missing second row: %s", result)
	}
}

func TestModeForPlatform(t *testing.T) {
	tests := []struct {
		platform models.Platform
		want     TableMode
	}{
		{models.PlatformTelegram, TableModeCode},
		{models.PlatformWhatsApp, TableModeBullets},
		{models.PlatformSynthetic, TableModeOff},
	}
	for _, tt := range tests {
		if got := ModeForPlatform(tt.platform); got != tt.want {
			t.Errorf("ModeForPlatform(%v) = %v, want %v", tt.platform, got, tt.want)
		}
	}
}

func TestTableOffsets(t *testing.T) {
	input := `Before table

| A | B |
|---|---|
| 1 | 2 |

After table`

	tables := FindTables(input)
	if len(tables) != 1 {
		t.Fatalf("expected 1 table, got %d", len(tables))
	}

	table := tables[0]
	wantRaw := "| A | B |\n|---|---|\n| 1 | 2 |"
	if table.Raw != wantRaw {
		t.Errorf("table.Raw = %q, want %q", table.Raw, wantRaw)
	}
	if extracted := input[table.Start:table.End]; extracted != wantRaw {
		t.Errorf("offsets extract %q, want %q", extracted, wantRaw)
	}
}
