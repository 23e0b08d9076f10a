// Package models defines the core data types for Vigil.
package models

import (
	"encoding/json"
	"time"
)

// Platform identifies the messaging surface a message arrived on.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
	// PlatformSynthetic marks messages the system generates for itself:
	// scheduler prompts, worker completions, CLI injections.
	PlatformSynthetic Platform = "synthetic"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is the unified message format across all channels.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	UserID      string       `json:"user_id"`
	Platform    Platform     `json:"platform"`
	Direction   Direction    `json:"direction"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Images      []Image      `json:"images,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	ArrivedAt   time.Time    `json:"arrived_at"`
}

// Image is an inline image attachment carried with an inbound message.
type Image struct {
	Data     string `json:"data"` // base64-encoded bytes
	MimeType string `json:"mime_type"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
