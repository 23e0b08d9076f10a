package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/memory"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/pkg/models"
)

var (
	_ agent.Tool = (*MemoryInsertTool)(nil)
	_ agent.Tool = (*MemorySearchTool)(nil)
	_ agent.Tool = (*MemoryForgetTool)(nil)
)

// MemoryInsertTool archives a fact and sweeps pending fact-triggered
// projections against it. Activated projections are reported in the
// result so the model can act on them in the same turn.
type MemoryInsertTool struct {
	facts       memory.Store
	projections projection.Store
	embed       memory.EmbedFunc
}

// NewMemoryInsertTool creates the memory_insert tool. embed may be nil;
// facts are then stored without a vector and triggers match by keyword
// only.
func NewMemoryInsertTool(facts memory.Store, projections projection.Store, embed memory.EmbedFunc) *MemoryInsertTool {
	return &MemoryInsertTool{facts: facts, projections: projections, embed: embed}
}

func (t *MemoryInsertTool) Name() string { return "memory_insert" }

func (t *MemoryInsertTool) Description() string {
	return "Archive a durable fact to long-term memory. Write facts in third person with concrete dates. Any pending projection whose fact trigger matches is activated and reported back."
}

func (t *MemoryInsertTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "The fact to archive, self-contained and in third person"}
		},
		"required": ["content"]
	}`)
}

func (t *MemoryInsertTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *MemoryInsertTool) Capabilities() []trust.Capability { return nil }

func (t *MemoryInsertTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return toolError("content is required"), nil
	}

	var embedding []float32
	if t.embed != nil {
		// Best effort: a fact without a vector is still searchable by
		// keyword.
		embedding, _ = t.embed(ctx, content)
	}

	id, err := t.facts.Add(ctx, content, models.SourceConversation, embedding)
	if err != nil {
		return toolError("store fact: " + err.Error()), nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Archived fact %s.", id)

	if t.projections != nil {
		activated, err := t.projections.CheckTriggers(ctx, content, projection.EmbedFunc(t.embed), projection.DefaultTriggerThreshold)
		if err != nil {
			fmt.Fprintf(&out, " Trigger sweep failed: %v.", err)
		}
		if len(activated) > 0 {
			out.WriteString(" Triggered projections now due:")
			for _, p := range activated {
				fmt.Fprintf(&out, "\n- %s (%s)", p.Summary, p.ID)
			}
		}
	}
	return &agent.ToolResult{Content: out.String()}, nil
}

// MemorySearchTool searches archival memory with the hybrid
// keyword+vector ranker.
type MemorySearchTool struct {
	facts memory.Store
	embed memory.EmbedFunc
}

// NewMemorySearchTool creates the memory_search tool.
func NewMemorySearchTool(facts memory.Store, embed memory.EmbedFunc) *MemorySearchTool {
	return &MemorySearchTool{facts: facts, embed: embed}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search long-term memory for facts relevant to a query. Combines keyword and semantic matching."
}

func (t *MemorySearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to look for"},
			"limit": {"type": "integer", "description": "Maximum results (default 5)"}
		},
		"required": ["query"]
	}`)
}

func (t *MemorySearchTool) Level() trust.Level               { return trust.LevelSafe }
func (t *MemorySearchTool) Capabilities() []trust.Capability { return nil }

func (t *MemorySearchTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return toolError("query is required"), nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 5
	}

	matches, err := t.facts.HybridSearch(ctx, query, limit, t.embed)
	if err != nil {
		return toolError("search: " + err.Error()), nil
	}
	if len(matches) == 0 {
		return &agent.ToolResult{Content: "No matching facts."}, nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%d matching fact(s):\n", len(matches))
	for _, m := range matches {
		fmt.Fprintf(&out, "- [%s] %s (recorded %s, %s %.2f)\n",
			m.Fact.ID, m.Fact.Content, m.Fact.CreatedAt.Format("2006-01-02"), m.MatchedBy, m.Score)
	}
	return &agent.ToolResult{Content: strings.TrimRight(out.String(), "\n")}, nil
}

// MemoryForgetTool deletes a fact by id.
type MemoryForgetTool struct {
	facts memory.Store
}

// NewMemoryForgetTool creates the memory_forget tool.
func NewMemoryForgetTool(facts memory.Store) *MemoryForgetTool {
	return &MemoryForgetTool{facts: facts}
}

func (t *MemoryForgetTool) Name() string { return "memory_forget" }

func (t *MemoryForgetTool) Description() string {
	return "Delete a fact from long-term memory by id. Use memory_search first to find the id."
}

func (t *MemoryForgetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Fact id to delete"}
		},
		"required": ["id"]
	}`)
}

func (t *MemoryForgetTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *MemoryForgetTool) Capabilities() []trust.Capability { return nil }

func (t *MemoryForgetTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return toolError("id is required"), nil
	}
	if err := t.facts.Remove(ctx, id); err != nil {
		return toolError("forget: " + err.Error()), nil
	}
	return &agent.ToolResult{Content: "Removed fact " + id + "."}, nil
}
