package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/corememory"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/internal/trust"
	"github.com/vigil-dev/vigil/internal/usage"
	"github.com/vigil-dev/vigil/pkg/models"
)

// DefaultMaxToolIterations bounds how many times one inbound message may
// loop through tool execution before the turn is abandoned.
const DefaultMaxToolIterations = 10

// DefaultHorizonDays is the projection window folded into each prompt.
const DefaultHorizonDays = 7

// Sender delivers assistant output to a channel. Implementations convert
// markdown to their native format and chunk to platform limits internally.
type Sender interface {
	SendMessage(ctx context.Context, channelID, text string) (string, error)
	SendTyping(ctx context.Context, channelID string) error
}

// ApprovalPrompter is optionally implemented by senders whose platform has
// inline buttons. The call blocks until the user answers or the timeout
// passes, which maps to a deny.
type ApprovalPrompter interface {
	SendApprovalRequest(ctx context.Context, channelID, prompt, key string, timeout time.Duration) (models.ApprovalResult, error)
}

// Historian persists the conversation audit trail.
type Historian interface {
	Append(ctx context.Context, msg *models.Message) error
	Recent(ctx context.Context, limit int) ([]*models.Message, error)
}

// UsageRecorder receives one ledger entry per completed LLM call.
type UsageRecorder interface {
	Record(ctx context.Context, e usage.Entry) error
}

// Session is the per-user conversational state. Access is serialised by the
// message queue: one channel, one in-flight turn.
type Session struct {
	UserID     string
	ChannelID  string
	Messages   []*models.Message
	CreatedAt  time.Time
	LastActive time.Time
}

// OrchestratorConfig carries the identity settings the prompt is built from.
type OrchestratorConfig struct {
	AgentName   string
	BasePrompt  string
	Timezone    string
	HorizonDays int
}

// Orchestrator routes inbound messages through the eight-step turn pipeline:
// slash commands, pending-approval handshake, transcript repair, prompt
// rebuild, completion with model fallback, the tool loop behind the trust
// gate, output post-processing, and the silence sentinel.
type Orchestrator struct {
	cfg      OrchestratorConfig
	chain    *Chain
	registry *ToolRegistry
	gate     *trust.Gate
	sender   Sender

	core        *corememory.Doc
	projections projection.Store
	history     Historian
	usage       UsageRecorder
	onRestart   func()

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	maxIter int

	mu       sync.Mutex
	sessions map[string]*Session
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCoreMemory attaches the core memory document for prompt assembly and
// the /memory command.
func WithCoreMemory(doc *corememory.Doc) OrchestratorOption {
	return func(o *Orchestrator) { o.core = doc }
}

// WithProjections attaches the projection store used for the prompt's
// upcoming-commitments section.
func WithProjections(store projection.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.projections = store }
}

// WithHistorian attaches the conversation audit log.
func WithHistorian(h Historian) OrchestratorOption {
	return func(o *Orchestrator) { o.history = h }
}

// WithUsageRecorder attaches the token ledger.
func WithUsageRecorder(u UsageRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.usage = u }
}

// WithOnRestart sets the callback behind /restart.
func WithOnRestart(fn func()) OrchestratorOption {
	return func(o *Orchestrator) { o.onRestart = fn }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger.With("component", "orchestrator")
		}
	}
}

// WithOrchestratorMetrics wires Prometheus instruments.
func WithOrchestratorMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOrchestratorNow overrides the clock.
func WithOrchestratorNow(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxToolIterations overrides the tool loop bound.
func WithMaxToolIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIter = n
		}
	}
}

// NewOrchestrator wires the conversational core. chain, registry, gate and
// sender are required; stores and ledgers attach via options and degrade to
// absent sections when nil.
func NewOrchestrator(cfg OrchestratorConfig, chain *Chain, registry *ToolRegistry, gate *trust.Gate, sender Sender, opts ...OrchestratorOption) *Orchestrator {
	if cfg.AgentName == "" {
		cfg.AgentName = "vigil"
	}
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = DefaultHorizonDays
	}
	o := &Orchestrator{
		cfg:      cfg,
		chain:    chain,
		registry: registry,
		gate:     gate,
		sender:   sender,
		logger:   slog.Default().With("component", "orchestrator"),
		now:      time.Now,
		maxIter:  DefaultMaxToolIterations,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleMessage processes one inbound message to completion. The signature
// matches queue.ProcessFunc so the queue can drive it directly; failures
// turn into a user-visible apology rather than an error return.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg *models.Message) {
	logger := o.logger.With("user", msg.UserID, "channel", msg.ChannelID)
	text := strings.TrimSpace(msg.Content)

	if cmd, ok := parseSlashCommand(text); ok {
		o.handleSlashCommand(ctx, msg, cmd)
		return
	}

	if o.handleApprovalReply(ctx, msg) {
		return
	}

	sess := o.session(msg)

	repaired, report := RepairTranscript(sess.Messages, o.cfg.AgentName)
	if report.Total() > 0 {
		logger.Warn("transcript repaired",
			"missing", report.Missing,
			"duplicates", report.Duplicates,
			"orphans", report.Orphans,
			"reordered", report.Reordered)
	}
	sess.Messages = repaired

	sess.Messages = append(sess.Messages, msg)
	o.appendHistory(ctx, msg)

	if err := o.sender.SendTyping(ctx, msg.ChannelID); err != nil {
		logger.Debug("typing indicator failed", "error", err)
	}

	reply, err := o.runTurn(ctx, sess, msg)
	if err != nil {
		logger.Error("turn failed", "error", err)
		o.send(ctx, msg.ChannelID, fmt.Sprintf("Sorry, I hit an internal problem and could not finish: %v", err))
		return
	}
	if reply == "" {
		return
	}
	o.send(ctx, msg.ChannelID, reply)
}

// Dispose drops the in-memory session for a user, e.g. on /clear or channel
// disconnect. Persisted history is unaffected.
func (o *Orchestrator) Dispose(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.sessions, userID)
}

// SetBasePrompt swaps the configured personality prompt. The next
// turn's prompt rebuild picks it up; config reloads call this.
func (o *Orchestrator) SetBasePrompt(prompt string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.BasePrompt = prompt
}

// SessionInfo reports whether a session exists and how many messages it
// holds.
func (o *Orchestrator) SessionInfo(userID string) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[userID]
	if !ok {
		return 0, false
	}
	return len(sess.Messages), true
}

func (o *Orchestrator) session(msg *models.Message) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[msg.UserID]
	if !ok {
		sess = &Session{
			UserID:    msg.UserID,
			CreatedAt: o.now(),
		}
		o.sessions[msg.UserID] = sess
	}
	sess.ChannelID = msg.ChannelID
	sess.LastActive = o.now()
	return sess
}

// runTurn drives the completion and tool loop for one inbound message.
func (o *Orchestrator) runTurn(ctx context.Context, sess *Session, msg *models.Message) (string, error) {
	req := &CompletionRequest{
		SystemPrompt: o.buildPrompt(ctx),
		Messages:     toCompletionMessages(sess.Messages),
		Tools:        o.registry.Specs(),
	}

	for iter := 0; iter < o.maxIter; iter++ {
		began := o.now()
		resp, fallbacks, err := o.chain.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		o.recordUsage(ctx, sess.UserID, resp, o.now().Sub(began))
		if fallbacks > 0 {
			o.logger.Info("turn served by fallback", "model", resp.Model, "fallbacks_used", fallbacks)
		}

		if len(resp.ToolCalls) == 0 {
			assistant := o.outboundMessage(sess, models.RoleAssistant, resp.Text)
			sess.Messages = append(sess.Messages, assistant)
			o.appendHistory(ctx, assistant)

			final := StripReasoning(resp.Text)
			if IsNoop(final) {
				o.logger.Debug("model chose silence", "user", sess.UserID)
				return "", nil
			}
			return final, nil
		}

		assistant := o.outboundMessage(sess, models.RoleAssistant, resp.Text)
		assistant.ToolCalls = resp.ToolCalls
		sess.Messages = append(sess.Messages, assistant)
		o.appendHistory(ctx, assistant)

		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, o.executeCall(ctx, sess, msg, call))
		}
		toolMsg := o.outboundMessage(sess, models.RoleTool, "")
		toolMsg.ToolResults = results
		sess.Messages = append(sess.Messages, toolMsg)
		o.appendHistory(ctx, toolMsg)

		req.Messages = toCompletionMessages(sess.Messages)
	}

	return "", fmt.Errorf("agent: tool loop exceeded %d iterations", o.maxIter)
}

// executeCall runs one tool call through the trust gate. Denials and
// execution failures come back as error results the model can react to.
func (o *Orchestrator) executeCall(ctx context.Context, sess *Session, msg *models.Message, call models.ToolCall) models.ToolResult {
	tool, ok := o.registry.Get(call.Name)
	if !ok {
		o.countTool(call.Name, "not_found")
		return models.ToolResult{ToolCallID: call.ID, Content: "tool not found: " + call.Name, IsError: true}
	}

	decision := o.gate.Check(ctx, trust.Request{
		UserID:          sess.UserID,
		Tool:            call.Name,
		Level:           tool.Level(),
		Capabilities:    tool.Capabilities(),
		Arguments:       call.Input,
		LastUserMessage: msg.Content,
	})
	if !decision.Allowed {
		o.countTool(call.Name, "denied")
		if decision.Pending != nil {
			o.promptForApproval(ctx, sess, tool, decision)
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    deniedResultText(call.Name, tool.Capabilities(), decision),
			IsError:    true,
		}
	}

	res, err := o.registry.Execute(ctx, call.Name, call.Input)
	if err != nil {
		o.countTool(call.Name, "error")
		return models.ToolResult{ToolCallID: call.ID, Content: "tool failed: " + err.Error(), IsError: true}
	}
	outcome := "ok"
	if res.IsError {
		outcome = "error"
	}
	o.countTool(call.Name, outcome)
	return models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError}
}

// promptForApproval pushes an inline approval prompt when the channel has
// one. It runs detached: the tool loop already returned a denial to the
// model, and a button press resolves the pending entry for the next turn.
func (o *Orchestrator) promptForApproval(ctx context.Context, sess *Session, tool Tool, decision trust.Decision) {
	prompter, ok := o.sender.(ApprovalPrompter)
	if !ok {
		return
	}
	prompt := fmt.Sprintf("%s wants to run %s (%s).", o.cfg.AgentName, tool.Name(), joinCapabilities(tool.Capabilities()))
	channelID := sess.ChannelID
	userID := sess.UserID
	go func() {
		result, err := prompter.SendApprovalRequest(context.WithoutCancel(ctx), channelID, prompt, tool.Name(), trust.DefaultHandshakeTimeout)
		if err != nil {
			o.logger.Debug("inline approval unavailable", "tool", tool.Name(), "error", err)
			return
		}
		outcome := trust.OutcomeDeny
		switch result {
		case models.ApprovalAllow:
			outcome = trust.OutcomeApproveOnce
		case models.ApprovalAllowAlways:
			outcome = trust.OutcomeApproveAlways
		}
		if err := o.gate.Resolve(userID, outcome); err != nil {
			o.logger.Warn("resolving inline approval failed", "tool", tool.Name(), "error", err)
		}
	}()
}

// handleApprovalReply resolves a pending approval when the message is an
// unambiguous yes/no. Anything else falls through to the model.
func (o *Orchestrator) handleApprovalReply(ctx context.Context, msg *models.Message) bool {
	pending, outcome, handled := o.gate.HandleReply(msg.UserID, msg.Content)
	if !handled {
		return false
	}
	var reply string
	switch outcome {
	case trust.OutcomeApproveAlways:
		reply = fmt.Sprintf("Approved %s permanently. Ask me to continue and I will retry.", pending.Tool)
	case trust.OutcomeApproveOnce:
		reply = fmt.Sprintf("Approved %s once. Ask me to continue and I will retry.", pending.Tool)
	default:
		reply = fmt.Sprintf("Understood, %s stays blocked.", pending.Tool)
	}
	o.send(ctx, msg.ChannelID, reply)
	return true
}

func (o *Orchestrator) buildPrompt(ctx context.Context) string {
	o.mu.Lock()
	base := o.cfg.BasePrompt
	o.mu.Unlock()
	data := PromptData{
		AgentName:  o.cfg.AgentName,
		BasePrompt: base,
		Timezone:   o.cfg.Timezone,
		Now:        o.now(),
		Tools:      o.registry.Specs(),
	}
	if o.core != nil {
		content, err := o.core.Read()
		if err != nil {
			o.logger.Warn("core memory read failed", "error", err)
		} else {
			data.CoreMemory = content
		}
	}
	if o.projections != nil {
		upcoming, err := o.projections.GetUpcoming(ctx, o.cfg.HorizonDays)
		if err != nil {
			o.logger.Warn("projection lookup failed", "error", err)
		} else {
			data.Projections = upcoming
		}
	}
	return BuildSystemPrompt(data)
}

func (o *Orchestrator) outboundMessage(sess *Session, role models.Role, content string) *models.Message {
	return &models.Message{
		ChannelID: sess.ChannelID,
		UserID:    sess.UserID,
		Platform:  models.PlatformSynthetic,
		Direction: models.DirectionOutbound,
		Role:      role,
		Content:   content,
		ArrivedAt: o.now(),
	}
}

func (o *Orchestrator) send(ctx context.Context, channelID, text string) {
	if _, err := o.sender.SendMessage(ctx, channelID, text); err != nil {
		o.logger.Error("send failed", "channel", channelID, "error", err)
	}
}

func (o *Orchestrator) appendHistory(ctx context.Context, msg *models.Message) {
	if o.history == nil {
		return
	}
	if err := o.history.Append(ctx, msg); err != nil {
		o.logger.Warn("history append failed", "error", err)
	}
}

func (o *Orchestrator) recordUsage(ctx context.Context, userID string, resp *CompletionResponse, latency time.Duration) {
	if o.usage == nil {
		return
	}
	err := o.usage.Record(ctx, usage.Entry{
		Timestamp:    o.now().UTC(),
		UserID:       userID,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMS:    latency.Milliseconds(),
	})
	if err != nil {
		o.logger.Warn("usage record failed", "error", err)
	}
}

func (o *Orchestrator) countTool(name, outcome string) {
	if o.metrics == nil {
		return
	}
	o.metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()
}

func deniedResultText(name string, caps []trust.Capability, decision trust.Decision) string {
	if decision.Reason == "guardrail-block" {
		return fmt.Sprintf("Tool %s was blocked by the safety guardrail and will not run.", name)
	}
	return fmt.Sprintf(
		"Permission required: %s needs %s access. The user has been asked; tell them what you want to do and that replying 'yes' allows it once and 'always' allows it permanently.",
		name, joinCapabilities(caps))
}

func joinCapabilities(caps []trust.Capability) string {
	if len(caps) == 0 {
		return "elevated"
	}
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func toCompletionMessages(msgs []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, CompletionMessage{
			Role:        m.Role,
			Content:     m.Content,
			Images:      m.Images,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out
}
