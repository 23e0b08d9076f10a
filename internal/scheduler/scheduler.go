// Package scheduler drives vigil's time-based behaviour: the morning
// review, the fine-grained exact-due check, the periodic reflection pass,
// and any user-configured cron prompts. Jobs that talk to the user are
// synthesised as inbound messages and funnelled through the per-channel
// queue, so they obey the same ordering as real messages.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vigil-dev/vigil/internal/config"
	"github.com/vigil-dev/vigil/internal/datetime"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/pkg/models"
)

const (
	// DailyReviewSchedule fires the morning commitments review.
	DailyReviewSchedule = "0 8 * * *"
	// ExactDueSchedule polls for exact-time projections coming due.
	ExactDueSchedule = "*/5 * * * *"
	// ReflectionSchedule drives the background extraction pass.
	ReflectionSchedule = "*/30 * * * *"

	// ExactDueWindowMinutes is the look-ahead of each exact-due poll. Wider
	// than the poll cadence so a slow tick cannot let a due time slip past.
	ExactDueWindowMinutes = 15
	// ExpireGraceHours is how far past due a pending projection may drift
	// before the daily review marks it passed.
	ExpireGraceHours = 24
	// ReviewHorizonDays bounds the daily review listing.
	ReviewHorizonDays = 7
)

// cronParser accepts the standard 5-field syntax plus descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Target identifies the channel synthetic messages are addressed to.
type Target struct {
	Platform  models.Platform
	ChannelID string
	UserID    string
}

// TargetFunc reports where scheduler output should go, usually the
// channel the principal last spoke on. Returning false skips the job:
// there is nobody to talk to yet.
type TargetFunc func() (Target, bool)

// EnqueueFunc pushes a synthetic message into the channel queue. The
// bool mirrors queue.Manager.Enqueue: false means rejected or stopped.
type EnqueueFunc func(msg *models.Message) bool

// ReflectFunc runs one reflection pass. It must do its own deduplication;
// the scheduler only provides cadence.
type ReflectFunc func(ctx context.Context) error

// Config carries the pieces of the main configuration the scheduler
// consumes.
type Config struct {
	Window datetime.ActiveWindow
	Jobs   []config.CronJobConfig
}

// Scheduler runs jobs off a coarse tick loop with per-job next-run
// bookkeeping. The clock is injectable so tests drive it directly.
type Scheduler struct {
	projections projection.Store
	target      TargetFunc
	enqueue     EnqueueFunc
	reflect     ReflectFunc
	window      datetime.ActiveWindow

	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*job
	started bool
	wg      sync.WaitGroup
}

// job is one scheduled unit. gated jobs honour the active-hours window.
type job struct {
	name     string
	gated    bool
	schedule cron.Schedule
	next     time.Time
	run      func(ctx context.Context) (string, error)
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "scheduler")
		}
	}
}

// WithMetrics wires the scheduler-run counter.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = metrics }
}

// WithReflection attaches the reflection pass. Without it no reflection
// job is scheduled.
func WithReflection(fn ReflectFunc) Option {
	return func(s *Scheduler) { s.reflect = fn }
}

// WithNow overrides the clock, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often the loop looks for due jobs.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// New builds a scheduler over the projection store. target and enqueue
// connect it to the messaging side; cfg carries the active-hours window
// and any user cron prompts.
func New(cfg Config, store projection.Store, target TargetFunc, enqueue EnqueueFunc, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		projections:  store,
		target:       target,
		enqueue:      enqueue,
		window:       cfg.Window,
		logger:       slog.Default().With("component", "scheduler"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	review, err := newJob("daily_review", DailyReviewSchedule, true, s.runDailyReview, now)
	if err != nil {
		return nil, err
	}
	exact, err := newJob("exact_due", ExactDueSchedule, true, s.runExactDue, now)
	if err != nil {
		return nil, err
	}
	s.jobs = append(s.jobs, review, exact)

	if s.reflect != nil {
		reflection, err := newJob("reflection", ReflectionSchedule, false, s.runReflection, now)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, reflection)
	}

	for i, entry := range cfg.Jobs {
		message := entry.Message
		j, err := newJob(fmt.Sprintf("cron_%d", i), entry.Schedule, true,
			func(ctx context.Context) (string, error) {
				return s.enqueuePrompt(message)
			}, now)
		if err != nil {
			return nil, fmt.Errorf("cron[%d]: %w", i, err)
		}
		s.jobs = append(s.jobs, j)
	}

	return s, nil
}

func newJob(name, expr string, gated bool, run func(ctx context.Context) (string, error), now time.Time) (*job, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", expr, err)
	}
	return &job{
		name:     name,
		gated:    gated,
		schedule: schedule,
		next:     schedule.Next(now),
		run:      run,
	}, nil
}

// Start runs the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Stop waits for the loop and any in-flight job to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every due job immediately and returns how many ran.
// Primarily for tests.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// JobNames returns the configured job names in schedule order.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.next.IsZero() || now.Before(j.next) {
			continue
		}
		j.next = j.schedule.Next(now)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		result := s.runJob(ctx, j, now)
		s.record(j.name, result)
	}
	return len(due)
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) string {
	if j.gated && !s.window.Contains(now) {
		s.logger.Debug("job outside active hours", "job", j.name)
		return "skipped"
	}
	result, err := j.run(ctx)
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", j.name, "error", err)
		return "error"
	}
	return result
}

// runDailyReview expires stale projections, settles dependency
// activations, and surfaces the next week of commitments as one synthetic
// prompt. Nothing upcoming means nothing sent.
func (s *Scheduler) runDailyReview(ctx context.Context) (string, error) {
	expired, err := s.projections.AutoExpire(ctx, ExpireGraceHours)
	if err != nil {
		return "", fmt.Errorf("auto expire: %w", err)
	}
	if expired > 0 {
		s.logger.Info("stale projections expired", "count", expired)
	}

	if _, err := s.projections.EvaluateDependencies(ctx); err != nil {
		s.logger.Warn("dependency evaluation failed", "error", err)
	}

	upcoming, err := s.projections.GetUpcoming(ctx, ReviewHorizonDays)
	if err != nil {
		return "", fmt.Errorf("get upcoming: %w", err)
	}
	if len(upcoming) == 0 {
		return "skipped", nil
	}
	return s.enqueuePrompt(reviewPrompt(upcoming))
}

// runExactDue settles every projection due inside the window, then tells
// the agent about them. Settlement happens before the enqueue so a retry
// or crash between the two steps never double-fires a reminder.
func (s *Scheduler) runExactDue(ctx context.Context) (string, error) {
	if _, err := s.projections.EvaluateDependencies(ctx); err != nil {
		s.logger.Warn("dependency evaluation failed", "error", err)
	}

	due, err := s.projections.GetExactDue(ctx, ExactDueWindowMinutes)
	if err != nil {
		return "", fmt.Errorf("get exact due: %w", err)
	}
	if len(due) == 0 {
		return "skipped", nil
	}

	for _, p := range due {
		s.settle(ctx, p)
	}
	return s.enqueuePrompt(duePrompt(due))
}

// settle moves a due projection out of pending. Recurring projections
// resolve done and immediately rearm at the next occurrence; everything
// else, and any recurrence that cannot produce a future time, resolves
// passed.
func (s *Scheduler) settle(ctx context.Context, p *models.Projection) {
	if p.Recurrence == "" {
		if _, err := s.projections.Resolve(ctx, p.ID, models.ProjectionPassed); err != nil {
			s.logger.Warn("settling projection failed", "id", p.ID, "error", err)
		}
		return
	}

	next, err := projection.NextOccurrence(p.Recurrence, s.now())
	if err != nil {
		s.logger.Warn("recurrence yields no next occurrence",
			"id", p.ID, "recurrence", p.Recurrence, "error", err)
		if _, err := s.projections.Resolve(ctx, p.ID, models.ProjectionPassed); err != nil {
			s.logger.Warn("settling projection failed", "id", p.ID, "error", err)
		}
		return
	}

	if _, err := s.projections.Resolve(ctx, p.ID, models.ProjectionDone); err != nil {
		s.logger.Warn("settling projection failed", "id", p.ID, "error", err)
		return
	}
	if ok, err := s.projections.Rearm(ctx, p.ID, datetime.FormatUTC(next)); err != nil {
		s.logger.Warn("rearming projection failed", "id", p.ID, "error", err)
	} else if ok {
		s.logger.Info("recurring projection rearmed",
			"id", p.ID, "next", datetime.FormatUTC(next))
	}
}

func (s *Scheduler) runReflection(ctx context.Context) (string, error) {
	if err := s.reflect(ctx); err != nil {
		return "", err
	}
	return "ok", nil
}

// enqueuePrompt wraps text as a synthetic inbound message on the primary
// channel and pushes it through the queue.
func (s *Scheduler) enqueuePrompt(text string) (string, error) {
	target, ok := s.target()
	if !ok {
		s.logger.Debug("no primary channel yet, prompt dropped")
		return "skipped", nil
	}
	msg := &models.Message{
		ID:        uuid.New().String(),
		ChannelID: target.ChannelID,
		UserID:    target.UserID,
		Platform:  models.PlatformSynthetic,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		ArrivedAt: s.now(),
	}
	if !s.enqueue(msg) {
		s.logger.Warn("queue rejected scheduled prompt", "channel", target.ChannelID)
		return "skipped", nil
	}
	return "ok", nil
}

func (s *Scheduler) record(jobName, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.SchedulerRuns.WithLabelValues(jobName, result).Inc()
}

// reviewPrompt renders the morning review as a scheduled check-in the
// agent can narrate or silently acknowledge.
func reviewPrompt(projections []*models.Projection) string {
	var b strings.Builder
	b.WriteString("[scheduled check-in] Daily review. Upcoming commitments:\n")
	for _, p := range projections {
		b.WriteString(projectionLine(p))
		b.WriteString("\n")
	}
	b.WriteString("Tell the user what needs attention today, flag anything that looks stale, and resolve or cancel entries that no longer apply.")
	return b.String()
}

// duePrompt renders projections that just came due. They are already
// settled; the agent's job is only to deliver the reminder.
func duePrompt(projections []*models.Projection) string {
	var b strings.Builder
	b.WriteString("[scheduled check-in] Due now:\n")
	for _, p := range projections {
		b.WriteString(projectionLine(p))
		b.WriteString("\n")
	}
	b.WriteString("Remind the user about these.")
	return b.String()
}

func projectionLine(p *models.Projection) string {
	when := p.ResolvedWhen
	switch {
	case p.TriggerOnFact != "":
		when = "on: " + p.TriggerOnFact
	case when == "":
		when = string(p.Resolution)
	}
	line := fmt.Sprintf("- %s (%s)", p.Summary, when)
	if p.Context != "" {
		line += ": " + p.Context
	}
	return line
}
