// Package providers implements LLM provider integrations for the vigil agent core.
//
// This package provides production-ready implementations of the agent.Provider
// interface for Anthropic's Claude and OpenAI-compatible chat APIs. Each provider
// handles the complexities of API integration: format conversion, tool calling,
// vision input, retry logic, and error classification.
//
// Key Features:
//   - Blocking completion calls sized for a chat assistant turn
//   - Automatic retry with exponential backoff for transient failures
//   - Tool/function calling support for agentic workflows
//   - Vision support for image-capable models
//   - Context cancellation honored during retries
//
// Example Usage:
//
//	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := provider.Complete(ctx, &agent.CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    Messages:  []agent.CompletionMessage{{Role: models.RoleUser, Content: "Hello!"}},
//	    MaxTokens: 1024,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(resp.Text)
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/pkg/models"
)

// AnthropicProvider implements the agent.Provider interface for Anthropic's
// Claude API. It issues non-streaming Messages API calls and converts between
// the internal message format and Anthropic's content block model.
//
// The provider handles several responsibilities:
//   - Converting internal messages, images, and tool results to content blocks
//   - Implementing retry logic with exponential backoff for transient failures
//   - Translating the response union blocks back into text and tool calls
//   - Classifying errors into retryable and permanent categories
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use across multiple goroutines.
// Each Complete() call is an independent request.
type AnthropicProvider struct {
	// client is the underlying Anthropic SDK client used for API calls.
	client anthropic.Client

	// maxRetries defines the maximum number of retry attempts for failed
	// requests. Applies to retryable errors like rate limits (429), server
	// errors (5xx), timeouts, and connection issues. Default: 3
	maxRetries int

	// retryDelay is the base delay between retry attempts.
	// Actual delay uses exponential backoff: retryDelay * 2^attempt.
	// Default: 1 second
	retryDelay time.Duration

	// defaultModel is used when CompletionRequest.Model is empty.
	defaultModel string
}

var _ agent.Provider = (*AnthropicProvider)(nil)

// AnthropicConfig holds configuration parameters for creating an AnthropicProvider.
//
// All fields except APIKey are optional and will be set to sensible defaults
// if not provided. The configuration is validated during NewAnthropicProvider().
type AnthropicConfig struct {
	// APIKey is the Anthropic API authentication key (required).
	// Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the default Anthropic API base URL.
	// Example: "https://api.anthropic.com/"
	BaseURL string

	// MaxRetries sets the maximum retry attempts for transient failures (optional).
	// Set to 0 to use the default of 3.
	MaxRetries int

	// RetryDelay sets the base delay between retry attempts (optional).
	// Actual delay uses exponential backoff. Default: 1 second
	RetryDelay time.Duration

	// DefaultModel sets the model to use when a request doesn't specify one
	// (optional). Default: "claude-sonnet-4-20250514"
	DefaultModel string
}

// NewAnthropicProvider creates a new Anthropic provider instance with the
// given configuration.
//
// This constructor validates the configuration, applies defaults for optional
// fields, and initializes the underlying Anthropic SDK client. The returned
// provider is ready to use for completion requests.
//
// Configuration Defaults:
//   - MaxRetries: 3 (if <= 0)
//   - RetryDelay: 1 second (if <= 0)
//   - DefaultModel: "claude-sonnet-4-20250514" (if empty)
//
// Errors:
//   - "anthropic: API key is required": When config.APIKey is empty
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return &AnthropicProvider{
		client:       client,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends a completion request to the Anthropic Messages API and
// blocks until the full response is available.
//
// The request is retried with exponential backoff when the failure is
// transient (rate limits, 5xx responses, timeouts, connection resets).
// Permanent failures such as authentication or validation errors return
// immediately. Context cancellation is honored both during the request and
// while waiting out a backoff period.
//
// Returns:
//   - *agent.CompletionResponse: Assembled text, tool calls, stop reason,
//     and token usage for the turn
//   - error: Conversion failure, context cancellation, or the last API
//     error after retries are exhausted
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	model := p.getModel(req.Model)

	var msg *anthropic.Message

	// Retry loop with exponential backoff for transient failures.
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		msg, err = p.client.Messages.New(ctx, params)
		if err == nil {
			break
		}

		if !p.isRetryableError(err) {
			return nil, &agent.ProviderError{Provider: "anthropic", Model: model, Err: err}
		}

		if attempt < p.maxRetries {
			// Exponential backoff: delay = baseDelay * 2^attempt.
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
	}

	if err != nil {
		return nil, &agent.ProviderError{
			Provider: "anthropic",
			Model:    model,
			Err:      fmt.Errorf("max retries exceeded: %w", err),
		}
	}

	return p.translateResponse(msg, model), nil
}

// buildParams converts a completion request into Anthropic API parameters.
//
// This handles the conversion from the internal request format to Anthropic's
// API format, including:
//   - Message format conversion (user/assistant/tool roles)
//   - System prompt configuration (separate from messages in Anthropic's API)
//   - Tool definitions
//   - Model and token limits
func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.SystemPrompt,
			},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// convertMessages converts internal messages to Anthropic's message format.
//
// Anthropic's API has specific requirements:
//   - System messages are excluded (handled via params.System)
//   - Tool results ride in user messages as tool_result content blocks
//   - Tool calls ride in assistant messages as tool_use content blocks
//   - Images become base64 content blocks alongside any text
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		// System prompts are handled separately in params.System.
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, img := range msg.Images {
			block, ok := imageBlock(img)
			if !ok {
				return nil, fmt.Errorf("unsupported image type %q", img.MimeType)
			}
			content = append(content, block)
		}

		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}

		for _, toolCall := range msg.ToolCalls {
			// Anthropic wants the input as a decoded object, not raw JSON.
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}

			content = append(content, anthropic.NewToolUseBlock(
				toolCall.ID,
				input,
				toolCall.Name,
			))
		}

		if len(content) == 0 {
			continue
		}

		// User and tool roles both map to user messages in Anthropic.
		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}

		result = append(result, message)
	}

	return result, nil
}

func imageBlock(img models.Image) (anthropic.ContentBlockParamUnion, bool) {
	mt, ok := anthropicMediaType(img.MimeType)
	if !ok {
		return anthropic.ContentBlockParamUnion{}, false
	}
	return anthropic.ContentBlockParamUnion{
		OfImage: &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfBase64: &anthropic.Base64ImageSourceParam{
					Data:      img.Data,
					MediaType: mt,
				},
			},
		},
	}, true
}

func anthropicMediaType(mimeType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

// convertTools converts tool specs to Anthropic API format.
//
// Each tool includes a name, a natural language description, and a JSON
// Schema defining the parameters.
//
// Errors:
//   - "invalid tool schema for {name}": When the schema is not valid JSON
func (p *AnthropicProvider) convertTools(tools []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}

// translateResponse assembles a CompletionResponse from the API message.
//
// The response content is a list of union blocks; text blocks are
// concatenated and tool_use blocks become tool calls with their raw JSON
// input preserved for the executor.
func (p *AnthropicProvider) translateResponse(msg *anthropic.Message, model string) *agent.CompletionResponse {
	resp := &agent.CompletionResponse{
		Model:        model,
		StopReason:   mapAnthropicStop(string(msg.StopReason)),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	resp.Text = text.String()

	return resp
}

func mapAnthropicStop(reason string) agent.StopReason {
	switch reason {
	case string(anthropic.StopReasonToolUse):
		return agent.StopToolUse
	case string(anthropic.StopReasonMaxTokens):
		return agent.StopMaxTokens
	default:
		// end_turn, stop_sequence, and anything future-shaped all mean the
		// model finished on its own terms.
		return agent.StopEndTurn
	}
}

// getModel returns the model ID to use for the request, falling back to the
// provider default when the request does not specify one.
func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// getMaxTokens returns the maximum tokens to generate for the request.
// Defaults to 4096, which prevents runaway generations while allowing
// substantial responses.
func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError determines if an error should trigger a retry attempt.
//
// Retryable Error Categories:
//   - Rate limits: 429 status, "rate_limit", "too many requests"
//   - Server errors: 500, 502, 503, 504 status codes
//   - Timeouts: "timeout", "deadline exceeded"
//   - Network: "connection reset", "connection refused", "no such host"
//
// Non-retryable errors (authentication, validation, not found) fail the
// request immediately so the fallback chain can move on.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}

	if strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "gateway timeout") {
		return true
	}

	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return true
	}

	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}

	return false
}
