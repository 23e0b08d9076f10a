// Package trust gates tool execution behind capability levels and a
// user approval handshake. Safe and guarded tools run freely; elevated
// tools run only with a standing or freshly granted approval.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/observability"
)

// Level classifies how much a tool is allowed to touch.
type Level string

const (
	// LevelSafe tools are read-only over the agent's own state.
	LevelSafe Level = "safe"
	// LevelGuarded tools mutate agent state but nothing outside it.
	LevelGuarded Level = "guarded"
	// LevelElevated tools reach outside the process and require approval.
	LevelElevated Level = "elevated"
)

// Capability names what an elevated tool needs from the host.
type Capability string

const (
	CapabilityNetwork    Capability = "network"
	CapabilityFilesystem Capability = "filesystem"
	CapabilityShell      Capability = "shell"
)

// Request describes one tool invocation presented to the gate.
type Request struct {
	UserID       string
	Tool         string
	Level        Level
	Capabilities []Capability
	Arguments    json.RawMessage
	// LastUserMessage gives the guardrail conversational context.
	LastUserMessage string
}

// Decision is the gate's ruling on a request.
type Decision struct {
	Allowed bool
	// Reason is a short machine-readable tag: "level", "approved",
	// "approval-required", "guardrail-ask", "guardrail-block".
	Reason string
	// Pending is set when the user must be asked before a retry can
	// succeed.
	Pending *PendingApproval
}

// PendingApproval tracks a question the gate is waiting on.
type PendingApproval struct {
	UserID       string
	Tool         string
	Capabilities []Capability
	CreatedAt    time.Time
}

// DefaultHandshakeTimeout is how long a pending approval stays live.
const DefaultHandshakeTimeout = 5 * time.Minute

// Gate applies level rules, standing approvals, the optional guardrail,
// and the pending-approval handshake.
type Gate struct {
	store     *Store
	guardrail Guardrail
	logger    *slog.Logger
	metrics   *observability.Metrics
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingApproval
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGuardrail enables the per-call LLM classifier.
func WithGuardrail(g Guardrail) GateOption {
	return func(gate *Gate) { gate.guardrail = g }
}

// WithGateLogger sets the gate logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(gate *Gate) {
		if logger != nil {
			gate.logger = logger.With("component", "trust")
		}
	}
}

// WithGateMetrics wires approval outcome counters.
func WithGateMetrics(m *observability.Metrics) GateOption {
	return func(gate *Gate) { gate.metrics = m }
}

// WithHandshakeTimeout overrides the pending approval lifetime.
func WithHandshakeTimeout(d time.Duration) GateOption {
	return func(gate *Gate) {
		if d > 0 {
			gate.timeout = d
		}
	}
}

// WithGateNow overrides the clock, mainly for tests.
func WithGateNow(now func() time.Time) GateOption {
	return func(gate *Gate) {
		if now != nil {
			gate.now = now
		}
	}
}

// NewGate creates a Gate backed by the given approval store.
func NewGate(store *Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:   store,
		logger:  slog.Default().With("component", "trust"),
		timeout: DefaultHandshakeTimeout,
		now:     time.Now,
		pending: make(map[string]*PendingApproval),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check rules on one tool invocation. Elevated tools consult the
// approval store and, when configured, the guardrail; the guardrail
// classification runs concurrently with the store lookup and a BLOCK
// always wins.
func (g *Gate) Check(ctx context.Context, req Request) Decision {
	switch req.Level {
	case LevelSafe, LevelGuarded:
		return Decision{Allowed: true, Reason: "level"}
	case LevelElevated:
	default:
		g.logger.Warn("unknown tool level, treating as elevated", "tool", req.Tool, "level", req.Level)
	}

	verdictCh := make(chan Verdict, 1)
	if g.guardrail != nil {
		go func() {
			verdict, err := g.guardrail.Classify(ctx, req.Tool, req.Arguments, req.LastUserMessage)
			if err != nil {
				g.logger.Warn("guardrail classification failed", "tool", req.Tool, "error", err)
				verdict = VerdictAsk
			}
			verdictCh <- verdict
		}()
	} else {
		verdictCh <- VerdictAllow
	}

	approved := g.store.IsApproved(req.Tool)

	verdict := <-verdictCh
	switch verdict {
	case VerdictBlock:
		g.logger.Warn("guardrail blocked tool", "tool", req.Tool, "user", req.UserID)
		g.countOutcome("guardrail_block")
		return Decision{Allowed: false, Reason: "guardrail-block"}
	case VerdictAsk:
		return Decision{Allowed: false, Reason: "guardrail-ask", Pending: g.setPending(req)}
	}

	if approved {
		g.store.Consume(req.Tool)
		g.countOutcome("approved")
		return Decision{Allowed: true, Reason: "approved"}
	}
	return Decision{Allowed: false, Reason: "approval-required", Pending: g.setPending(req)}
}

func (g *Gate) setPending(req Request) *PendingApproval {
	p := &PendingApproval{
		UserID:       req.UserID,
		Tool:         req.Tool,
		Capabilities: req.Capabilities,
		CreatedAt:    g.now(),
	}
	g.mu.Lock()
	g.pending[req.UserID] = p
	g.mu.Unlock()
	g.logger.Info("approval pending", "tool", req.Tool, "user", req.UserID,
		"capabilities", capabilityNames(req.Capabilities))
	return p
}

// Pending returns the live pending approval for a user, dropping it if
// it has timed out.
func (g *Gate) Pending(userID string) (*PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[userID]
	if !ok {
		return nil, false
	}
	if g.now().Sub(p.CreatedAt) > g.timeout {
		delete(g.pending, userID)
		g.logger.Info("pending approval expired", "tool", p.Tool, "user", userID)
		return nil, false
	}
	return p, true
}

// HandleReply tests a user message against the pending handshake.
// Returns the resolved pending entry and the outcome; ok is false when
// there is no live handshake or the text is not an approval phrase, in
// which case the message should flow to the agent normally.
func (g *Gate) HandleReply(userID, text string) (*PendingApproval, HandshakeOutcome, bool) {
	p, live := g.Pending(userID)
	if !live {
		return nil, OutcomeNone, false
	}
	outcome := ParseHandshake(text)
	if outcome == OutcomeNone {
		return nil, OutcomeNone, false
	}
	if err := g.Resolve(userID, outcome); err != nil {
		g.logger.Error("resolve handshake", "tool", p.Tool, "error", err)
	}
	return p, outcome, true
}

// Resolve applies an approval outcome to the user's pending entry and
// clears it. Used by both the text handshake and inline button callbacks.
func (g *Gate) Resolve(userID string, outcome HandshakeOutcome) error {
	g.mu.Lock()
	p, ok := g.pending[userID]
	delete(g.pending, userID)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for user %s", userID)
	}

	switch outcome {
	case OutcomeApproveOnce:
		g.countOutcome("approved_once")
		return g.store.Approve(p.Tool, DurationOnce)
	case OutcomeApproveAlways:
		g.countOutcome("approved_always")
		return g.store.Approve(p.Tool, DurationAlways)
	case OutcomeDeny:
		g.countOutcome("denied")
		g.logger.Info("approval denied", "tool", p.Tool, "user", userID)
		return nil
	}
	return fmt.Errorf("unresolvable outcome %v", outcome)
}

func (g *Gate) countOutcome(outcome string) {
	if g.metrics != nil {
		g.metrics.ApprovalOutcome.WithLabelValues(outcome).Inc()
	}
}

func capabilityNames(caps []Capability) []string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return names
}
