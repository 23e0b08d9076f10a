package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/pkg/models"
)

// FactStore is the slice of archival memory the bridge writes to.
type FactStore interface {
	Add(ctx context.Context, content string, source models.FactSource, embedding []float32) (string, error)
}

// Target identifies the channel a trigger-activated wake-up goes to.
type Target struct {
	Platform  models.Platform
	ChannelID string
	UserID    string
}

// TargetFunc reports the primary channel, false when none is known yet.
type TargetFunc func() (Target, bool)

// EnqueueFunc pushes a synthetic message into the channel queue.
type EnqueueFunc func(msg *models.Message) bool

// Bridge turns a finished worker into agent-visible state. Ordering is
// the contract: the completion fact lands in archival memory first, then
// trigger matching runs, and only a fired trigger wakes the agent. A
// processing turn that sees the wake-up message is therefore guaranteed
// to find the fact.
type Bridge struct {
	facts       FactStore
	projections projection.Store
	embed       projection.EmbedFunc
	target      TargetFunc
	enqueue     EnqueueFunc

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger.With("component", "worker-bridge")
		}
	}
}

// WithBridgeMetrics wires the triggers-fired counter.
func WithBridgeMetrics(metrics *observability.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = metrics }
}

// WithBridgeNow overrides the clock.
func WithBridgeNow(now func() time.Time) BridgeOption {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBridge wires the completion path. embed may be nil; trigger matching
// then falls back to keyword-only.
func NewBridge(facts FactStore, projections projection.Store, embed projection.EmbedFunc, target TargetFunc, enqueue EnqueueFunc, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		facts:       facts,
		projections: projections,
		embed:       embed,
		target:      target,
		enqueue:     enqueue,
		logger:      slog.Default().With("component", "worker-bridge"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WorkerFinished satisfies FinishFunc.
func (b *Bridge) WorkerFinished(ctx context.Context, w *models.Worker, fact string) {
	var embedding []float32
	if b.embed != nil {
		emb, err := b.embed(ctx, fact)
		if err != nil {
			b.logger.Debug("embedding completion fact failed", "worker", w.ID, "error", err)
		} else {
			embedding = emb
		}
	}
	if _, err := b.facts.Add(ctx, fact, models.SourceWorker, embedding); err != nil {
		b.logger.Error("archiving completion fact failed", "worker", w.ID, "error", err)
		return
	}

	activated, err := b.projections.CheckTriggers(ctx, fact, b.embed, projection.DefaultTriggerThreshold)
	if err != nil {
		b.logger.Warn("trigger check failed", "worker", w.ID, "error", err)
		return
	}
	if len(activated) == 0 {
		return
	}
	if b.metrics != nil {
		b.metrics.TriggersFired.Add(float64(len(activated)))
	}

	target, ok := b.target()
	if !ok {
		b.logger.Debug("trigger fired with no primary channel", "worker", w.ID)
		return
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		ChannelID: target.ChannelID,
		UserID:    target.UserID,
		Platform:  models.PlatformSynthetic,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   wakeupPrompt(w, fact, activated),
		ArrivedAt: b.now(),
	}
	if !b.enqueue(msg) {
		b.logger.Warn("queue rejected worker wake-up", "worker", w.ID)
	}
}

// wakeupPrompt tells the agent why it was woken and what to act on.
func wakeupPrompt(w *models.Worker, fact string, activated []*models.Projection) string {
	out := fmt.Sprintf("[worker update] %s\nThis activated %d commitment(s):\n", fact, len(activated))
	for _, p := range activated {
		out += fmt.Sprintf("- %s\n", p.Summary)
	}
	out += "Follow up on these now; read the worker's result file if you need the details."
	return out
}
