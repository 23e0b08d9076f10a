package workers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/pkg/models"
)

func TestDispatchToolStartsWorker(t *testing.T) {
	onFinish, done := finishes()
	r := NewRegistry(testWorkspace(t), chainOf(&textCompleter{text: "ok"}), emptyToolset, WithOnFinish(onFinish))
	tool := NewDispatchTool(r)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"collect pricing data"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("result is error: %s", res.Content)
	}
	if !strings.Contains(res.Content, "w-") || !strings.Contains(res.Content, "result.md") {
		t.Errorf("content = %q, want worker id and result path", res.Content)
	}
	waitFact(t, done)
}

func TestDispatchToolRequiresTask(t *testing.T) {
	r := NewRegistry(testWorkspace(t), chainOf(&textCompleter{}), emptyToolset)
	tool := NewDispatchTool(r)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"   "}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError {
		t.Error("blank task should produce an error result")
	}
}

func TestDispatchToolReportsCapAsResult(t *testing.T) {
	onFinish, done := finishes()
	blocker := newBlockingCompleter()
	r := NewRegistry(testWorkspace(t), chainOf(blocker), emptyToolset,
		WithMaxConcurrent(1), WithOnFinish(onFinish))
	tool := NewDispatchTool(r)

	if _, err := r.Dispatch(context.Background(), "occupies the slot", ""); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"one too many"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "limit") {
		t.Errorf("result = %+v, want concurrency limit error result", res)
	}

	close(blocker.release)
	waitFact(t, done)
}

func TestStatusToolSingleAndList(t *testing.T) {
	onFinish, done := finishes()
	blocker := newBlockingCompleter()
	r := NewRegistry(testWorkspace(t), chainOf(blocker), emptyToolset, WithOnFinish(onFinish))
	tool := NewStatusTool(r)

	w, err := r.Dispatch(context.Background(), "inventory the backlog", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"id":"`+w.ID+`"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "running") {
		t.Errorf("single status = %+v, want running", res)
	}

	res, err = tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute list: %v", err)
	}
	if !strings.Contains(res.Content, w.ID) || !strings.Contains(res.Content, "1 running") {
		t.Errorf("list = %q, want the worker and running count", res.Content)
	}

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"id":"w-nope"}`))
	if err != nil {
		t.Fatalf("Execute unknown: %v", err)
	}
	if !res.IsError {
		t.Error("unknown id should produce an error result")
	}

	close(blocker.release)
	waitFact(t, done)

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"id":"`+w.ID+`"}`))
	if err != nil {
		t.Fatalf("Execute after finish: %v", err)
	}
	if !strings.Contains(res.Content, "complete") || !strings.Contains(res.Content, "result.md") {
		t.Errorf("finished status = %q, want complete with result path", res.Content)
	}
}

func TestStatusToolEmptyRegistry(t *testing.T) {
	r := NewRegistry(testWorkspace(t), chainOf(&textCompleter{}), emptyToolset)
	tool := NewStatusTool(r)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError || !strings.Contains(res.Content, "No workers") {
		t.Errorf("result = %+v, want empty-registry message", res)
	}
}

func TestSteerToolWritesNote(t *testing.T) {
	onFinish, done := finishes()
	blocker := newBlockingCompleter()
	r := NewRegistry(testWorkspace(t), chainOf(blocker), emptyToolset, WithOnFinish(onFinish))
	tool := NewSteerTool(r)

	w, err := r.Dispatch(context.Background(), "draft the summary", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"id":"`+w.ID+`","note":"shorter, punchier"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("steer failed: %s", res.Content)
	}

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"id":"`+w.ID+`"}`))
	if err != nil {
		t.Fatalf("Execute without note: %v", err)
	}
	if !res.IsError {
		t.Error("missing note should produce an error result")
	}

	close(blocker.release)
	waitFact(t, done)
}

func TestInterruptToolCancelsWorker(t *testing.T) {
	onFinish, done := finishes()
	r := NewRegistry(testWorkspace(t), chainOf(newBlockingCompleter()), emptyToolset, WithOnFinish(onFinish))
	tool := NewInterruptTool(r)

	w, err := r.Dispatch(context.Background(), "abort me", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"id":"`+w.ID+`"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("interrupt failed: %s", res.Content)
	}
	waitFact(t, done)

	got, _ := r.Get(w.ID)
	if got.Status != models.WorkerCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"id":"`+w.ID+`"}`))
	if err != nil {
		t.Fatalf("Execute again: %v", err)
	}
	if !res.IsError {
		t.Error("interrupting a finished worker should produce an error result")
	}
}

func TestWorkerToolTrustLevels(t *testing.T) {
	r := NewRegistry(testWorkspace(t), chainOf(&textCompleter{}), emptyToolset)

	tests := []struct {
		name  string
		tool  interface{ Level() trust.Level }
		level trust.Level
	}{
		{"worker_dispatch", NewDispatchTool(r), trust.LevelGuarded},
		{"worker_status", NewStatusTool(r), trust.LevelSafe},
		{"worker_steer", NewSteerTool(r), trust.LevelGuarded},
		{"worker_interrupt", NewInterruptTool(r), trust.LevelGuarded},
	}
	for _, tt := range tests {
		if got := tt.tool.Level(); got != tt.level {
			t.Errorf("%s level = %s, want %s", tt.name, got, tt.level)
		}
	}
}
