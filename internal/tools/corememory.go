package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/corememory"
	"github.com/vigil-dev/vigil/internal/trust"
)

var (
	_ agent.Tool = (*CoreAppendTool)(nil)
	_ agent.Tool = (*CoreReplaceTool)(nil)
)

// CoreAppendTool adds a line to a section of the core memory document.
type CoreAppendTool struct {
	doc *corememory.Doc
}

// NewCoreAppendTool creates the core_memory_append tool.
func NewCoreAppendTool(doc *corememory.Doc) *CoreAppendTool {
	return &CoreAppendTool{doc: doc}
}

func (t *CoreAppendTool) Name() string { return "core_memory_append" }

func (t *CoreAppendTool) Description() string {
	return "Append a line to a section of core memory, the document that is always in your context. Keep entries short; the document has a hard size cap."
}

func (t *CoreAppendTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"section": {"type": "string", "description": "Section heading, without the leading ##"},
			"content": {"type": "string", "description": "Line to append"}
		},
		"required": ["section", "content"]
	}`)
}

func (t *CoreAppendTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *CoreAppendTool) Capabilities() []trust.Capability { return nil }

func (t *CoreAppendTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Section string `json:"section"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Section) == "" || strings.TrimSpace(params.Content) == "" {
		return toolError("section and content are required"), nil
	}
	if err := t.doc.Append(params.Section, params.Content); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Appended to %q.", params.Section)}, nil
}

// CoreReplaceTool edits core memory in place.
type CoreReplaceTool struct {
	doc *corememory.Doc
}

// NewCoreReplaceTool creates the core_memory_replace tool.
func NewCoreReplaceTool(doc *corememory.Doc) *CoreReplaceTool {
	return &CoreReplaceTool{doc: doc}
}

func (t *CoreReplaceTool) Name() string { return "core_memory_replace" }

func (t *CoreReplaceTool) Description() string {
	return "Replace text inside a section of core memory. Use an empty new_text to delete the old text. The old text must appear verbatim in that section."
}

func (t *CoreReplaceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"section": {"type": "string", "description": "Section heading, without the leading ##"},
			"old_text": {"type": "string", "description": "Exact text to replace"},
			"new_text": {"type": "string", "description": "Replacement text (empty deletes)"}
		},
		"required": ["section", "old_text"]
	}`)
}

func (t *CoreReplaceTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *CoreReplaceTool) Capabilities() []trust.Capability { return nil }

func (t *CoreReplaceTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Section string `json:"section"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Section) == "" || params.OldText == "" {
		return toolError("section and old_text are required"), nil
	}
	if err := t.doc.Replace(params.Section, params.OldText, params.NewText); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Updated %q.", params.Section)}, nil
}
