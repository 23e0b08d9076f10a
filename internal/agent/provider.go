// Package agent owns the conversational core: per-user sessions, the LLM
// provider abstraction with model fallback, transcript repair, system prompt
// assembly, and the tool loop that routes calls through the trust gate.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/pkg/models"
)

// Provider is a single LLM backend speaking one wire protocol.
type Provider interface {
	// Name returns a stable lowercase identifier used in logs and metrics.
	Name() string

	// Complete sends one completion request and blocks until the full
	// response is available. Implementations retry transient transport
	// failures internally; a returned error means the provider is
	// exhausted for this request.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest carries everything a provider needs for one turn.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []CompletionMessage
	Tools        []ToolSpec
	MaxTokens    int
}

// CompletionMessage is the provider-neutral message shape. Tool results are
// carried on their own message with Role set to models.RoleTool; providers
// fold them into whatever structure their API expects.
type CompletionMessage struct {
	Role        models.Role
	Content     string
	Images      []models.Image
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolSpec describes one tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// StopReason classifies why the model stopped emitting.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	// StopError marks a response the provider delivered but that the
	// upstream API flagged as failed. The fallback chain treats it the
	// same as a transport error.
	StopError StopReason = "error"
)

// CompletionResponse is a fully assembled model turn.
type CompletionResponse struct {
	Text         string
	ToolCalls    []models.ToolCall
	StopReason   StopReason
	Model        string
	InputTokens  int
	OutputTokens int
}

// Tool is the executable surface the orchestrator exposes to the model.
// Level and Capabilities feed the trust gate; Execute runs only after the
// gate allows the call.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Level() trust.Level
	Capabilities() []trust.Capability
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ToolResult is what a tool hands back to the model. Errors travel inside
// the result with IsError set, never as Go errors, so the model can decide
// how to proceed.
type ToolResult struct {
	Content string
	IsError bool
}

// ProviderError wraps a provider failure with enough context for the
// fallback chain to log what was tried.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
