package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the agent.Provider interface for OpenAI's chat
// completion API and for any OpenAI-compatible endpoint reachable through a
// custom base URL (OpenRouter, local proxies, self-hosted gateways).
//
// Key Differences from the Anthropic Provider:
//   - System prompts are included in the messages array (not separate)
//   - Tool results require separate messages (one per tool call)
//   - Vision uses the multi-content message format with data URLs
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
type OpenAIProvider struct {
	// client is the underlying OpenAI SDK client used for API calls.
	client *openai.Client

	// name is the identifier reported by Name(). Configurable because the
	// same implementation fronts OpenRouter and other compatible gateways.
	name string

	// maxRetries defines the maximum number of retry attempts for failed
	// requests. Default: 3
	maxRetries int

	// retryDelay is the base delay between retry attempts.
	// Actual delay grows linearly: retryDelay * attempt.
	// Default: 1 second
	retryDelay time.Duration

	// defaultModel is used when CompletionRequest.Model is empty.
	defaultModel string
}

var _ agent.Provider = (*OpenAIProvider)(nil)

// OpenAIConfig holds configuration parameters for creating an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is the API authentication key (required).
	APIKey string

	// BaseURL overrides the default API base URL. Point this at any
	// OpenAI-compatible endpoint, e.g. "https://openrouter.ai/api/v1".
	BaseURL string

	// Name overrides the provider identifier used in logs and metrics
	// (optional). Default: "openai"
	Name string

	// MaxRetries sets the maximum retry attempts for transient failures
	// (optional). Default: 3
	MaxRetries int

	// RetryDelay sets the base delay between retry attempts (optional).
	// Default: 1 second
	RetryDelay time.Duration

	// DefaultModel sets the model to use when a request doesn't specify one
	// (optional). Default: "gpt-4o"
	DefaultModel string
}

// NewOpenAIProvider creates a new OpenAI provider instance with the given
// configuration.
//
// Configuration Defaults:
//   - Name: "openai" (if empty)
//   - MaxRetries: 3 (if <= 0)
//   - RetryDelay: 1 second (if <= 0)
//   - DefaultModel: "gpt-4o" (if empty)
//
// Errors:
//   - "openai: API key is required": When config.APIKey is empty
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	if config.Name == "" {
		config.Name = "openai"
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         config.Name,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier used for routing and logging.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete sends a completion request to the chat completions API and blocks
// until the full response is available.
//
// Transient failures (rate limits, 5xx, timeouts) are retried with linear
// backoff: 1s, 2s, 3s with the default delay. Permanent failures return
// immediately so the fallback chain can move to the next model.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	messages, err := p.convertMessages(req.Messages, req.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to convert messages: %w", p.name, err)
	}

	model := p.getModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var lastErr error

	// Linear backoff retry loop (delay increases linearly: 0s, 1s, 2s).
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}

		if !p.isRetryableError(lastErr) {
			return nil, &agent.ProviderError{Provider: p.name, Model: model, Err: lastErr}
		}
	}

	if lastErr != nil {
		return nil, &agent.ProviderError{
			Provider: p.name,
			Model:    model,
			Err:      fmt.Errorf("max retries exceeded: %w", lastErr),
		}
	}

	return p.translateResponse(resp, model)
}

// translateResponse assembles a CompletionResponse from the API response.
func (p *OpenAIProvider) translateResponse(resp openai.ChatCompletionResponse, model string) (*agent.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &agent.ProviderError{
			Provider: p.name,
			Model:    model,
			Err:      errors.New("response contained no choices"),
		}
	}

	choice := resp.Choices[0]

	out := &agent.CompletionResponse{
		Text:         choice.Message.Content,
		Model:        model,
		StopReason:   mapOpenAIFinish(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	for _, tc := range choice.Message.ToolCalls {
		args := tc.Function.Arguments
		// Zero-argument functions arrive with an empty string; normalize so
		// the executor always sees valid JSON.
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		})
	}

	return out, nil
}

func mapOpenAIFinish(reason openai.FinishReason) agent.StopReason {
	switch reason {
	case openai.FinishReasonToolCalls:
		return agent.StopToolUse
	case openai.FinishReasonLength:
		return agent.StopMaxTokens
	case openai.FinishReasonContentFilter:
		return agent.StopError
	default:
		return agent.StopEndTurn
	}
}

// convertMessages converts internal messages to OpenAI API format.
//
// OpenAI Format Specifics:
//   - System prompt is injected as the first message in the array
//   - Tool results each become a separate message with role "tool"
//   - Vision uses MultiContent parts with base64 data URLs
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser, models.RoleSystem:
			oaiMsg := openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleUser,
			}
			if msg.Role == models.RoleSystem {
				oaiMsg.Role = openai.ChatMessageRoleSystem
			}

			if len(msg.Images) > 0 {
				// Multi-content format for vision-capable models.
				contentParts := make([]openai.ChatMessagePart, 0, len(msg.Images)+1)
				if msg.Content != "" {
					contentParts = append(contentParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, img := range msg.Images {
					contentParts = append(contentParts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				oaiMsg.MultiContent = contentParts
			} else {
				oaiMsg.Content = msg.Content
			}

			result = append(result, oaiMsg)

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}

			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}

			result = append(result, oaiMsg)

		case models.RoleTool:
			// One message per result, linked by ToolCallID.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return result, nil
}

// convertTools converts tool specs to OpenAI function definitions.
//
// If a tool's schema is invalid JSON it is replaced with an empty object
// schema so one bad tool cannot break function calling for the rest.
func (p *OpenAIProvider) convertTools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}

	return result
}

// getModel returns the model ID to use for the request, falling back to the
// provider default when the request does not specify one.
func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// isRetryableError determines if an error should trigger a retry attempt.
//
// Retryable Error Categories:
//   - Rate limits: "rate limit", "429"
//   - Server errors: 500, 502, 503, 504
//   - Timeouts: "timeout", "deadline exceeded"
func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") {
		return true
	}

	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") {
		return true
	}

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded") {
		return true
	}

	return false
}
