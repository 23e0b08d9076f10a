package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vigil-dev/vigil/internal/trust"
)

// fakeTool is a configurable Tool for registry and orchestrator tests.
type fakeTool struct {
	name    string
	level   trust.Level
	caps    []trust.Capability
	execute func(ctx context.Context, input json.RawMessage) (*ToolResult, error)
	calls   int
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool " + f.name }

func (f *fakeTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (f *fakeTool) Level() trust.Level {
	if f.level == "" {
		return trust.LevelSafe
	}
	return f.level
}

func (f *fakeTool) Capabilities() []trust.Capability { return f.caps }

func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	f.calls++
	if f.execute != nil {
		return f.execute(ctx, input)
	}
	return &ToolResult{Content: f.name + " ran"}, nil
}

func TestToolRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&fakeTool{name: "zeta"})
	reg.Register(&fakeTool{name: "alpha"})

	if _, ok := reg.Get("alpha"); !ok {
		t.Fatal("alpha should be registered")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatal("missing should not resolve")
	}

	names := reg.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("names = %v, want sorted [alpha zeta]", names)
	}

	specs := reg.Specs()
	if len(specs) != 2 || specs[0].Name != "alpha" {
		t.Errorf("specs should be sorted by name, got %v", specs)
	}

	reg.Unregister("alpha")
	if _, ok := reg.Get("alpha"); ok {
		t.Error("alpha should be gone after Unregister")
	}
}

func TestToolRegistry_ExecuteUnknownTool(t *testing.T) {
	reg := NewToolRegistry()

	res, err := reg.Execute(context.Background(), "ghost", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "ghost") {
		t.Errorf("result = %+v, want a named error result", res)
	}
}

func TestToolRegistry_ExecuteOversizedInputs(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(&fakeTool{name: "echo"})

	longName := strings.Repeat("x", MaxToolNameLength+1)
	res, err := reg.Execute(context.Background(), longName, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Error("oversized name should produce an error result")
	}

	bigParams := json.RawMessage(strings.Repeat("a", MaxToolParamsSize+1))
	res, err = reg.Execute(context.Background(), "echo", bigParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Error("oversized params should produce an error result")
	}
}

func TestToolRegistry_ExecuteDelegates(t *testing.T) {
	tool := &fakeTool{
		name: "greet",
		execute: func(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "hi from greet"}, nil
		},
	}
	reg := NewToolRegistry()
	reg.Register(tool)

	res, err := reg.Execute(context.Background(), "greet", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "hi from greet" || res.IsError {
		t.Errorf("result = %+v", res)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tool.calls)
	}
}
