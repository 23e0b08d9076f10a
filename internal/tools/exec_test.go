package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestShellToolRunsCommand(t *testing.T) {
	tool := NewShellTool(t.TempDir())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"command": "echo hello"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("Execute() returned error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "exit 0") {
		t.Errorf("Content = %q, want exit 0", result.Content)
	}
	if !strings.Contains(result.Content, "hello") {
		t.Errorf("Content = %q, want captured stdout", result.Content)
	}
}

func TestShellToolReportsFailure(t *testing.T) {
	tool := NewShellTool(t.TempDir())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"command": "echo oops >&2; exit 3"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("nonzero exit should be an error result")
	}
	if !strings.Contains(result.Content, "exit 3") {
		t.Errorf("Content = %q, want exit 3", result.Content)
	}
	if !strings.Contains(result.Content, "oops") {
		t.Errorf("Content = %q, want captured stderr", result.Content)
	}
}

func TestShellToolRequiresCommand(t *testing.T) {
	tool := NewShellTool("")

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("missing command should return an error result")
	}
}

func TestShellToolKillsAtTimeout(t *testing.T) {
	tool := NewShellTool(t.TempDir())

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"command": "sleep 30", "timeout_seconds": 1}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("timed-out command should be an error result")
	}
	if !strings.Contains(result.Content, "killed after") {
		t.Errorf("Content = %q, want timeout note", result.Content)
	}
}

func TestLimitedBufferTruncates(t *testing.T) {
	buf := newLimitedBuffer(8)
	if _, err := buf.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := buf.String()
	if !strings.HasPrefix(got, "01234567") {
		t.Errorf("String() = %q, want first 8 bytes kept", got)
	}
	if !strings.Contains(got, "8 bytes truncated") {
		t.Errorf("String() = %q, want truncation note", got)
	}
}
