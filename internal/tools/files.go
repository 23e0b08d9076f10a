package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/trust"
)

var (
	_ agent.Tool = (*ReadFileTool)(nil)
	_ agent.Tool = (*WriteFileTool)(nil)
	_ agent.Tool = (*ListFilesTool)(nil)
)

const (
	defaultReadLimit = 200000
	maxListEntries   = 200
)

// Dir resolves paths against a root and refuses anything that escapes
// it. File tools scoped to a worker directory or the configured file
// sandbox all go through it.
type Dir struct {
	Root string
}

// Resolve returns the absolute path for a root-relative path, or an
// error when the result would land outside the root.
func (d Dir) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(d.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes the working directory")
	}
	return targetAbs, nil
}

// ReadFileTool reads a file inside its root.
type ReadFileTool struct {
	dir Dir
}

// NewReadFileTool creates a read_file tool scoped to root.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{dir: Dir{Root: root}}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the working directory. Paths are relative to it; escaping it is refused."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the working directory"},
			"max_bytes": {"type": "integer", "description": "Read at most this many bytes (default 200000)"}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Level() trust.Level { return trust.LevelElevated }
func (t *ReadFileTool) Capabilities() []trust.Capability {
	return []trust.Capability{trust.CapabilityFilesystem}
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Path     string `json:"path"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	resolved, err := t.dir.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	f, err := os.Open(resolved)
	if err != nil {
		return toolError("open: " + err.Error()), nil
	}
	defer f.Close()

	limit := params.MaxBytes
	if limit <= 0 || limit > defaultReadLimit {
		limit = defaultReadLimit
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return toolError("read: " + err.Error()), nil
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}

	content := string(data)
	if truncated {
		content += fmt.Sprintf("\n[truncated at %d bytes]", limit)
	}
	if content == "" {
		content = "(empty file)"
	}
	return &agent.ToolResult{Content: content}, nil
}

// WriteFileTool writes a file inside its root, creating parent
// directories as needed.
type WriteFileTool struct {
	dir Dir
}

// NewWriteFileTool creates a write_file tool scoped to root.
func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{dir: Dir{Root: root}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the working directory, replacing what was there. Parent directories are created."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative to the working directory"},
			"content": {"type": "string", "description": "Full file contents"}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Level() trust.Level { return trust.LevelElevated }
func (t *WriteFileTool) Capabilities() []trust.Capability {
	return []trust.Capability{trust.CapabilityFilesystem}
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	resolved, err := t.dir.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError("create directories: " + err.Error()), nil
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
		return toolError("write: " + err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Wrote %d bytes to %s.", len(params.Content), params.Path)}, nil
}

// ListFilesTool lists a directory inside its root.
type ListFilesTool struct {
	dir Dir
}

// NewListFilesTool creates a list_files tool scoped to root.
func NewListFilesTool(root string) *ListFilesTool {
	return &ListFilesTool{dir: Dir{Root: root}}
}

func (t *ListFilesTool) Name() string { return "list_files" }

func (t *ListFilesTool) Description() string {
	return "List the files in a directory of the working directory."
}

func (t *ListFilesTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list, relative to the working directory (default: its top)"}
		}
	}`)
}

func (t *ListFilesTool) Level() trust.Level { return trust.LevelElevated }
func (t *ListFilesTool) Capabilities() []trust.Capability {
	return []trust.Capability{trust.CapabilityFilesystem}
}

func (t *ListFilesTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Path) == "" {
		params.Path = "."
	}

	resolved, err := t.dir.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return toolError("list: " + err.Error()), nil
	}
	if len(entries) == 0 {
		return &agent.ToolResult{Content: "(empty directory)"}, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out strings.Builder
	for i, e := range entries {
		if i >= maxListEntries {
			fmt.Fprintf(&out, "... and %d more\n", len(entries)-maxListEntries)
			break
		}
		if e.IsDir() {
			out.WriteString(e.Name() + "/\n")
			continue
		}
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&out, "%s (%d bytes)\n", e.Name(), size)
	}
	return &agent.ToolResult{Content: strings.TrimRight(out.String(), "\n")}, nil
}

// WorkerToolset builds the per-worker tool registry: file tools scoped
// to the worker's directory, plus shared web tools when configured.
// Workers run without the trust gate; their reach is bounded by this
// toolset instead.
func WorkerToolset(search *WebSearchTool, fetch *FetchTool) func(dir string) *agent.ToolRegistry {
	return func(dir string) *agent.ToolRegistry {
		reg := agent.NewToolRegistry()
		reg.Register(NewReadFileTool(dir))
		reg.Register(NewWriteFileTool(dir))
		reg.Register(NewListFilesTool(dir))
		if search != nil {
			reg.Register(search)
		}
		if fetch != nil {
			reg.Register(fetch)
		}
		return reg
	}
}
