package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vigil-dev/vigil/internal/observability"
)

// ErrNoModels is returned when the chain has nothing configured.
var ErrNoModels = errors.New("agent: no models configured")

// ChainModel binds a model id to the provider that serves it.
type ChainModel struct {
	ID       string
	Provider Provider
	// MaxTokens caps the response when the request does not set its own.
	MaxTokens int
}

// Chain tries models in order until one answers. A model is skipped over
// when its provider returns an error or the response carries an error stop
// reason; providers handle transient retries themselves, so one failure
// here means the model is not worth waiting on this turn.
type Chain struct {
	models  []ChainModel
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithChainLogger sets the logger.
func WithChainLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger.With("component", "llm-chain")
		}
	}
}

// WithChainMetrics wires Prometheus instruments.
func WithChainMetrics(m *observability.Metrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// WithChainNow overrides the clock.
func WithChainNow(now func() time.Time) ChainOption {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChain builds a fallback chain over the given models, tried in order.
func NewChain(chainModels []ChainModel, opts ...ChainOption) *Chain {
	c := &Chain{
		models: chainModels,
		logger: slog.Default().With("component", "llm-chain"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Models returns the configured model ids in chain order.
func (c *Chain) Models() []string {
	ids := make([]string, len(c.models))
	for i, m := range c.models {
		ids[i] = m.ID
	}
	return ids
}

// Complete runs the request against the chain. The second return value is
// the number of fallbacks consumed: 0 means the primary answered. When
// every model fails the error wraps the last failure and names the count
// tried, suitable for a user-facing apology upstream.
func (c *Chain) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, int, error) {
	if len(c.models) == 0 {
		return nil, 0, ErrNoModels
	}

	var lastErr error
	for i, m := range c.models {
		if err := ctx.Err(); err != nil {
			return nil, i, err
		}

		attempt := *req
		attempt.Model = m.ID
		if attempt.MaxTokens <= 0 {
			attempt.MaxTokens = m.MaxTokens
		}

		start := c.now()
		resp, err := m.Provider.Complete(ctx, &attempt)
		c.observe(m.ID, c.now().Sub(start))

		if err != nil {
			lastErr = &ProviderError{Provider: m.Provider.Name(), Model: m.ID, Err: err}
			c.logger.Warn("model failed",
				"model", m.ID,
				"provider", m.Provider.Name(),
				"error", err,
				"remaining", len(c.models)-i-1)
			continue
		}
		if resp.StopReason == StopError {
			lastErr = &ProviderError{Provider: m.Provider.Name(), Model: m.ID, Err: errors.New("provider reported an error response")}
			c.logger.Warn("model returned error stop reason",
				"model", m.ID,
				"provider", m.Provider.Name(),
				"remaining", len(c.models)-i-1)
			continue
		}

		if resp.Model == "" {
			resp.Model = m.ID
		}
		c.recordTokens(resp)
		if i > 0 {
			c.logger.Info("fallback model answered", "model", m.ID, "fallbacks_used", i)
		}
		return resp, i, nil
	}

	return nil, len(c.models), fmt.Errorf("agent: all %d models failed: %w", len(c.models), lastErr)
}

func (c *Chain) observe(model string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.LLMDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (c *Chain) recordTokens(resp *CompletionResponse) {
	if c.metrics == nil {
		return
	}
	c.metrics.LLMTokens.WithLabelValues(resp.Model, "input").Add(float64(resp.InputTokens))
	c.metrics.LLMTokens.WithLabelValues(resp.Model, "output").Add(float64(resp.OutputTokens))
}
