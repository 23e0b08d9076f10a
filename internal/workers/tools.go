package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/pkg/models"
)

var (
	_ agent.Tool = (*DispatchTool)(nil)
	_ agent.Tool = (*StatusTool)(nil)
	_ agent.Tool = (*SteerTool)(nil)
	_ agent.Tool = (*InterruptTool)(nil)
)

// DispatchTool starts a background worker.
type DispatchTool struct {
	registry *Registry
}

// NewDispatchTool creates the worker_dispatch tool.
func NewDispatchTool(registry *Registry) *DispatchTool {
	return &DispatchTool{registry: registry}
}

func (t *DispatchTool) Name() string { return "worker_dispatch" }

func (t *DispatchTool) Description() string {
	return "Dispatch a background worker to research or produce something autonomously. Returns a worker id immediately; pair it with a projection on 'worker <id> complete' to be woken when it finishes."
}

func (t *DispatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "Complete, self-contained instructions for the worker"},
			"model": {"type": "string", "description": "Model id to run the worker on (optional, defaults to the primary model)"}
		},
		"required": ["task"]
	}`)
}

func (t *DispatchTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *DispatchTool) Capabilities() []trust.Capability { return nil }

func (t *DispatchTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		Task  string `json:"task"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Task) == "" {
		return &agent.ToolResult{Content: "task is required", IsError: true}, nil
	}

	w, err := t.registry.Dispatch(ctx, params.Task, params.Model)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{
		Content: fmt.Sprintf("Worker %s dispatched. Results will land at %s/result.md; it completes with the fact 'Worker %s complete'.", w.ID, w.WorkingDir, w.ID),
	}, nil
}

// StatusTool reports one worker or lists them all.
type StatusTool struct {
	registry *Registry
}

// NewStatusTool creates the worker_status tool.
func NewStatusTool(registry *Registry) *StatusTool {
	return &StatusTool{registry: registry}
}

func (t *StatusTool) Name() string { return "worker_status" }

func (t *StatusTool) Description() string {
	return "Check a background worker's status, or list all workers when no id is given."
}

func (t *StatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Worker id (optional; omit to list all)"}
		}
	}`)
}

func (t *StatusTool) Level() trust.Level               { return trust.LevelSafe }
func (t *StatusTool) Capabilities() []trust.Capability { return nil }

func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	if params.ID != "" {
		w, ok := t.registry.Get(params.ID)
		if !ok {
			return &agent.ToolResult{Content: "worker not found: " + params.ID, IsError: true}, nil
		}
		return &agent.ToolResult{Content: describeWorker(w)}, nil
	}

	workers := t.registry.List()
	if len(workers) == 0 {
		return &agent.ToolResult{Content: "No workers in the last 24 hours."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d worker(s), %d running:\n", len(workers), t.registry.ActiveCount())
	for _, w := range workers {
		fmt.Fprintf(&b, "- %s [%s] %s\n", w.ID, w.Status, firstLine(w.Task))
	}
	return &agent.ToolResult{Content: b.String()}, nil
}

func describeWorker(w *models.Worker) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Worker %s: %s\nTask: %s\nStarted: %s\n", w.ID, w.Status, w.Task, datetime.FormatUTC(w.StartedAt))
	if !w.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "Finished: %s\n", datetime.FormatUTC(w.CompletedAt))
	}
	if w.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", w.Error)
	}
	if w.Status == models.WorkerComplete {
		fmt.Fprintf(&b, "Results: %s/result.md\n", w.WorkingDir)
	}
	return b.String()
}

// SteerTool replaces a running worker's steering note.
type SteerTool struct {
	registry *Registry
}

// NewSteerTool creates the worker_steer tool.
func NewSteerTool(registry *Registry) *SteerTool {
	return &SteerTool{registry: registry}
}

func (t *SteerTool) Name() string { return "worker_steer" }

func (t *SteerTool) Description() string {
	return "Leave an updated instruction for a running worker. Replaces any previous note; the worker reads it between tool calls."
}

func (t *SteerTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Worker id"},
			"note": {"type": "string", "description": "The new instruction"}
		},
		"required": ["id", "note"]
	}`)
}

func (t *SteerTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *SteerTool) Capabilities() []trust.Capability { return nil }

func (t *SteerTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		ID   string `json:"id"`
		Note string `json:"note"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.ID == "" || strings.TrimSpace(params.Note) == "" {
		return &agent.ToolResult{Content: "id and note are required", IsError: true}, nil
	}
	if err := t.registry.Steer(params.ID, params.Note); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Worker %s will pick up the note on its next check.", params.ID)}, nil
}

// InterruptTool aborts a running worker.
type InterruptTool struct {
	registry *Registry
}

// NewInterruptTool creates the worker_interrupt tool.
func NewInterruptTool(registry *Registry) *InterruptTool {
	return &InterruptTool{registry: registry}
}

func (t *InterruptTool) Name() string { return "worker_interrupt" }

func (t *InterruptTool) Description() string {
	return "Abort a running worker. Its files persist; its status becomes cancelled."
}

func (t *InterruptTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "description": "Worker id"}
		},
		"required": ["id"]
	}`)
}

func (t *InterruptTool) Level() trust.Level               { return trust.LevelGuarded }
func (t *InterruptTool) Capabilities() []trust.Capability { return nil }

func (t *InterruptTool) Execute(ctx context.Context, input json.RawMessage) (*agent.ToolResult, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.ID == "" {
		return &agent.ToolResult{Content: "id is required", IsError: true}, nil
	}
	if err := t.registry.Interrupt(params.ID); err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Worker %s interrupted.", params.ID)}, nil
}
