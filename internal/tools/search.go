package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/trust"
)

var _ agent.Tool = (*WebSearchTool)(nil)

const (
	defaultSearchResults = 5
	maxSearchResults     = 10
)

// WebSearchTool queries a SearxNG instance and returns titles, URLs,
// and snippets.
type WebSearchTool struct {
	baseURL string
	client  *http.Client
}

// NewWebSearchTool creates the web_search tool against the given
// SearxNG base URL.
func NewWebSearchTool(baseURL string) *WebSearchTool {
	return &WebSearchTool{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns titles, URLs, and snippets; use fetch_url to read a result in full."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"max_results": {"type": "integer", "description": "Maximum results (default 5, max 10)"}
		},
		"required": ["query"]
	}`)
}

func (t *WebSearchTool) Level() trust.Level { return trust.LevelElevated }
func (t *WebSearchTool) Capabilities() []trust.Capability {
	return []trust.Capability{trust.CapabilityNetwork}
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return toolError("query is required"), nil
	}
	if t.baseURL == "" {
		return toolError("web search is not configured (tools.web_search.searxng_url)"), nil
	}
	limit := params.MaxResults
	if limit <= 0 {
		limit = defaultSearchResults
	}
	if limit > maxSearchResults {
		limit = maxSearchResults
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("categories", "general")
	q.Set("pageno", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return toolError("build request: " + err.Error()), nil
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return toolError("search: " + err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return toolError(fmt.Sprintf("search backend returned HTTP %d", resp.StatusCode)), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return toolError("read response: " + err.Error()), nil
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return toolError("parse response: " + err.Error()), nil
	}
	if len(parsed.Results) == 0 {
		return &agent.ToolResult{Content: "No results for: " + query}, nil
	}

	var out strings.Builder
	for i, r := range parsed.Results {
		if i >= limit {
			break
		}
		fmt.Fprintf(&out, "%d. %s\n   %s\n", i+1, strings.TrimSpace(r.Title), strings.TrimSpace(r.URL))
		if snippet := strings.TrimSpace(r.Content); snippet != "" {
			fmt.Fprintf(&out, "   %s\n", snippet)
		}
	}
	return &agent.ToolResult{Content: strings.TrimRight(out.String(), "\n")}, nil
}
