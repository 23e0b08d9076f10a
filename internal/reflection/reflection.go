// Package reflection mines recent conversation for commitments made in
// passing. It runs out of band on the scheduler's half-hour tick, never
// takes the session lock, and talks to the LLM exactly once per changed
// window. Nothing here ever surfaces to the user directly; inserted
// projections reach them later through the daily review or the due check.
package reflection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/pkg/models"
)

const (
	// DefaultWindowMinutes is how far back each pass reads.
	DefaultWindowMinutes = 30
	// MaxTriggerLength caps trigger_on_fact phrases; anything longer is a
	// sentence, not a matchable condition.
	MaxTriggerLength = 100
)

// Completer runs one LLM completion; *agent.Chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, int, error)
}

// HistorySource reads the conversation window; *history.Log satisfies it.
type HistorySource interface {
	Since(ctx context.Context, since time.Time) ([]*models.Message, error)
}

// ProjectionSink is the single store operation the pass needs.
type ProjectionSink interface {
	Add(ctx context.Context, p *models.Projection, deps []models.ProjectionDependency) (string, error)
}

// Pass extracts projection candidates from recent conversation.
type Pass struct {
	history  HistorySource
	store    ProjectionSink
	complete Completer

	model  string
	window time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	lastHash string
}

// Option configures a Pass.
type Option func(*Pass)

// WithModel stamps completions with a dedicated reflection model id.
func WithModel(model string) Option {
	return func(p *Pass) { p.model = model }
}

// WithWindowMinutes sets how far back each pass reads.
func WithWindowMinutes(minutes int) Option {
	return func(p *Pass) {
		if minutes > 0 {
			p.window = time.Duration(minutes) * time.Minute
		}
	}
}

// WithLogger sets the pass logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pass) {
		if logger != nil {
			p.logger = logger.With("component", "reflection")
		}
	}
}

// WithMetrics wires the insert counter.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pass) { p.metrics = metrics }
}

// WithNow overrides the clock, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Pass) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a reflection pass over history, inserting into store.
func New(history HistorySource, store ProjectionSink, complete Completer, opts ...Option) *Pass {
	p := &Pass{
		history:  history,
		store:    store,
		complete: complete,
		window:   DefaultWindowMinutes * time.Minute,
		logger:   slog.Default().With("component", "reflection"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one pass: read the window, skip if unchanged, extract,
// validate, insert. Candidate-level problems are logged and skipped; only
// infrastructure failures (history read, LLM call) return an error.
func (p *Pass) Run(ctx context.Context) error {
	now := p.now().UTC()
	msgs, err := p.history.Since(ctx, now.Add(-p.window))
	if err != nil {
		return fmt.Errorf("reflection: read history: %w", err)
	}

	transcript := formatWindow(msgs)
	if transcript == "" {
		p.logger.Debug("window empty, nothing to reflect on")
		return nil
	}

	sum := sha256.Sum256([]byte(transcript))
	hash := hex.EncodeToString(sum[:])
	p.mu.Lock()
	unchanged := hash == p.lastHash
	p.mu.Unlock()
	if unchanged {
		p.logger.Debug("window unchanged since last pass")
		return nil
	}

	req := &agent.CompletionRequest{
		Model:        p.model,
		SystemPrompt: extractionPrompt,
		Messages: []agent.CompletionMessage{{
			Role:    models.RoleUser,
			Content: fmt.Sprintf("Current time: %s UTC\n\nTranscript:\n%s", datetime.FormatUTC(now), transcript),
		}},
	}
	resp, _, err := p.complete.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("reflection: completion: %w", err)
	}

	// The window counts as consumed once the model has seen it, even when
	// it yields nothing.
	p.mu.Lock()
	p.lastHash = hash
	p.mu.Unlock()

	candidates, err := parseCandidates(resp.Text)
	if err != nil {
		p.logger.Warn("unparseable reflection output", "error", err)
		return nil
	}

	inserted := 0
	for _, c := range candidates {
		proj, err := c.projection()
		if err != nil {
			p.logger.Debug("candidate rejected", "summary", c.Summary, "error", err)
			continue
		}
		if _, err := p.store.Add(ctx, proj, nil); err != nil {
			p.logger.Warn("candidate insert failed", "summary", proj.Summary, "error", err)
			continue
		}
		inserted++
	}
	if inserted > 0 {
		if p.metrics != nil {
			p.metrics.ReflectionInserts.Add(float64(inserted))
		}
		p.logger.Info("reflection inserted projections", "count", inserted, "candidates", len(candidates))
	}
	return nil
}

// candidate is one element of the model's JSON output.
type candidate struct {
	Summary       string `json:"summary"`
	When          string `json:"when,omitempty"`
	TriggerOnFact string `json:"trigger_on_fact,omitempty"`
	Context       string `json:"context,omitempty"`
}

// projection validates the candidate and maps it to a store row.
func (c candidate) projection() (*models.Projection, error) {
	summary := strings.TrimSpace(c.Summary)
	if summary == "" {
		return nil, fmt.Errorf("empty summary")
	}
	if len(c.TriggerOnFact) > MaxTriggerLength {
		return nil, fmt.Errorf("trigger_on_fact is %d chars, max %d", len(c.TriggerOnFact), MaxTriggerLength)
	}

	proj := &models.Projection{
		Summary:       summary,
		TriggerOnFact: strings.TrimSpace(c.TriggerOnFact),
		Context:       strings.TrimSpace(c.Context),
	}
	if when := strings.TrimSpace(c.When); when != "" {
		if _, err := datetime.ParseUTC(when); err != nil {
			return nil, fmt.Errorf("when: %w", err)
		}
		proj.ResolvedWhen = when
		proj.RawWhen = when
		if datetime.IsDayOnly(when) {
			proj.Resolution = models.ResolutionDay
		} else {
			proj.Resolution = models.ResolutionExact
		}
	}
	return proj, nil
}

// parseCandidates pulls a JSON array out of the model's reply, tolerating
// code fences and prose around it. Anything that doesn't contain a
// well-formed array yields an error and zero candidates.
func parseCandidates(text string) ([]candidate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in output")
	}
	var out []candidate
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return out, nil
}

// formatWindow flattens the window into role-prefixed lines. Tool traffic
// and empty messages carry no commitments and are dropped.
func formatWindow(msgs []*models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", datetime.FormatUTC(m.ArrivedAt), m.Role, content)
	}
	return b.String()
}

const extractionPrompt = `You review a conversation transcript and extract forward-looking commitments: things the user intends to do, expects to happen, or wants surfaced later.

Return ONLY a JSON array, no prose and no code fences. Each element:
{"summary": "one imperative line", "when": "YYYY-MM-DD HH:MM or YYYY-MM-DD, UTC", "trigger_on_fact": "short phrase naming an event to watch for", "context": "one line of why this matters"}

Rules:
- summary is required; the other fields are optional and should be omitted when not implied.
- Use "when" only for commitments anchored to a time; resolve relative phrasing against the current time given.
- Use "trigger_on_fact" only when an external event, not a clock, should activate the commitment.
- Extract concrete commitments only, never moods or opinions.
- Do not re-extract reminders the assistant already confirmed setting.
- Return [] when there is nothing new.`
