package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/pkg/models"
)

// DefaultMaxIterations bounds the worker tool loop. Workers are research
// sessions, so the budget is wider than a chat turn's.
const DefaultMaxIterations = 50

// runSession drives the worker's private LLM loop: scoped tools, no trust
// gate (the toolset is confined by construction), and a JSONL transcript
// in the worker directory.
func (r *Registry) runSession(ctx context.Context, chain Completer, w *models.Worker) error {
	registry := r.toolset(w.WorkingDir)

	transcript, err := os.OpenFile(filepath.Join(w.WorkingDir, "transcript.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer transcript.Close()
	record := func(line transcriptLine) {
		line.Timestamp = r.now().UTC()
		data, err := json.Marshal(line)
		if err != nil {
			return
		}
		transcript.Write(append(data, '\n'))
	}

	messages := []agent.CompletionMessage{
		{Role: models.RoleUser, Content: w.Task},
	}
	record(transcriptLine{Role: string(models.RoleUser), Content: w.Task})

	req := &agent.CompletionRequest{
		Model:        w.Model,
		SystemPrompt: workerPrompt(w),
		Tools:        registry.Specs(),
	}

	for iter := 0; iter < r.maxIterations; iter++ {
		req.Messages = messages
		resp, _, err := chain.Complete(ctx, req)
		if err != nil {
			return err
		}

		if len(resp.ToolCalls) == 0 {
			record(transcriptLine{Role: string(models.RoleAssistant), Content: resp.Text})
			return nil
		}

		record(transcriptLine{Role: string(models.RoleAssistant), Content: resp.Text, ToolCalls: callNames(resp.ToolCalls)})
		messages = append(messages, agent.CompletionMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			res, execErr := registry.Execute(ctx, call.Name, call.Input)
			if execErr != nil {
				res = &agent.ToolResult{Content: "tool failed: " + execErr.Error(), IsError: true}
			}
			record(transcriptLine{Role: string(models.RoleTool), Tool: call.Name, Content: res.Content, IsError: res.IsError})
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    res.Content,
				IsError:    res.IsError,
			})
		}
		messages = append(messages, agent.CompletionMessage{
			Role:        models.RoleTool,
			ToolResults: results,
		})

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return fmt.Errorf("workers: tool loop exceeded %d iterations", r.maxIterations)
}

// transcriptLine is one audit record in transcript.jsonl.
type transcriptLine struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Content   string    `json:"content,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	ToolCalls []string  `json:"tool_calls,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
}

func callNames(calls []models.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// workerPrompt fabricates the worker's system prompt. The contract with
// the registry: final output goes to result.md, and steering.md may appear
// mid-flight with updated instructions.
func workerPrompt(w *models.Worker) string {
	return fmt.Sprintf(`You are a background worker. You were dispatched to complete one task autonomously, without talking to a user.

Task:
%s

Rules:
- Work only inside your working directory; your file tools are confined to it.
- Write your final output to result.md before you finish. If you produce nothing else, result.md must still explain what happened.
- A file named steering.md may appear in your directory with updated instructions from your dispatcher. Check it with read_file every few tool calls and obey the newest version.
- When the task is done, stop calling tools and reply with a one-paragraph summary.`, w.Task)
}
