package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vigil-dev/vigil/pkg/models"
)

func TestProjectionAddAndList(t *testing.T) {
	store := openProjectionStore(t)
	ctx := context.Background()

	addTool := NewProjectionAddTool(store)
	result, err := addTool.Execute(ctx, json.RawMessage(`{
		"summary": "Dentist appointment",
		"when": "2030-03-17 15:00",
		"raw_when": "next Tuesday at 3pm"
	}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("add returned error result: %s", result.Content)
	}

	listTool := NewProjectionListTool(store)
	result, err = listTool.Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(result.Content, "Dentist appointment") {
		t.Errorf("Content = %q, want the projection listed", result.Content)
	}
	if !strings.Contains(result.Content, "2030-03-17 15:00") {
		t.Errorf("Content = %q, want the resolved time shown", result.Content)
	}
}

func TestProjectionAddInfersResolution(t *testing.T) {
	store := openProjectionStore(t)
	ctx := context.Background()

	tool := NewProjectionAddTool(store)
	result, err := tool.Execute(ctx, json.RawMessage(`{"summary": "Quarterly review", "when": "2030-04-01"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("add returned error result: %s", result.Content)
	}

	list, err := store.List(ctx, false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() returned %d projections, want 1", len(list))
	}
	if list[0].Resolution != models.ResolutionDay {
		t.Errorf("Resolution = %q, want day for a date-only when", list[0].Resolution)
	}
}

func TestProjectionAddRejectsBadWhen(t *testing.T) {
	tool := NewProjectionAddTool(openProjectionStore(t))

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"summary": "x", "when": "tomorrow-ish"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("add with an unparseable when should return an error result")
	}
}

func TestProjectionResolve(t *testing.T) {
	store := openProjectionStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &models.Projection{Summary: "Ship the report", ResolvedWhen: "2030-05-01", Resolution: models.ResolutionDay}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tool := NewProjectionResolveTool(store)

	result, err := tool.Execute(ctx, json.RawMessage(`{"id": "`+id+`", "outcome": "maybe"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("resolve with an unknown outcome should return an error result")
	}

	result, err = tool.Execute(ctx, json.RawMessage(`{"id": "`+id+`", "outcome": "done"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("resolve returned error result: %s", result.Content)
	}

	// Terminal is once-only.
	result, err = tool.Execute(ctx, json.RawMessage(`{"id": "`+id+`", "outcome": "cancelled"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("second resolve should return an error result")
	}
	if !strings.Contains(result.Content, "already settled") {
		t.Errorf("Content = %q, want already-settled message", result.Content)
	}
}

func TestProjectionLinkRejectsCycle(t *testing.T) {
	store := openProjectionStore(t)
	ctx := context.Background()

	a, err := store.Add(ctx, &models.Projection{Summary: "a"}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	b, err := store.Add(ctx, &models.Projection{Summary: "b"}, nil)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	tool := NewProjectionLinkTool(store)

	result, err := tool.Execute(ctx, json.RawMessage(`{"observer_id": "`+a+`", "subject_id": "`+b+`"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("link returned error result: %s", result.Content)
	}

	result, err = tool.Execute(ctx, json.RawMessage(`{"observer_id": "`+b+`", "subject_id": "`+a+`"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("closing a dependency cycle should return an error result")
	}
}
