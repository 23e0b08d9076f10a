// Package workers runs background research tasks as isolated LLM sessions.
// A worker gets its own directory, a scoped tool set, and a transcript of
// its own; it cannot touch memory, projections, or messaging. Completion
// re-enters the system as an archival fact, which is how trigger-based
// projections learn a worker finished.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/internal/agent"
	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/internal/workspace"
	"github.com/vigil-dev/vigil/pkg/models"
)

const (
	// DefaultMaxConcurrent bounds parallel workers.
	DefaultMaxConcurrent = 3
	// DefaultTimeout is the wall-clock budget for one worker.
	DefaultTimeout = 60 * time.Minute
	// DefaultRetention is how long finished workers stay queryable in the
	// registry. Their directories persist beyond this.
	DefaultRetention = 24 * time.Hour
)

var (
	// ErrTooManyWorkers means the concurrency cap is reached.
	ErrTooManyWorkers = errors.New("workers: concurrency limit reached")
	// ErrWorkerNotFound means the id is unknown or already purged.
	ErrWorkerNotFound = errors.New("workers: not found")
	// ErrWorkerNotRunning means the operation needs a live worker.
	ErrWorkerNotRunning = errors.New("workers: not running")
)

// Completer runs one LLM completion; *agent.Chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, int, error)
}

// ChainFunc resolves a model id to the chain serving it. The empty id
// selects the default chain. Unknown ids return an error so dispatch can
// refuse early instead of failing an hour in.
type ChainFunc func(model string) (Completer, error)

// ToolsetFunc builds the scoped tool registry for one worker directory.
type ToolsetFunc func(dir string) *agent.ToolRegistry

// FinishFunc observes every terminal worker together with its completion
// fact. The registry has already written status.json when it fires.
type FinishFunc func(ctx context.Context, w *models.Worker, fact string)

// Registry owns worker lifecycle: dispatch, steering, interruption, and
// the 24-hour retention window. One mutex guards every map update.
type Registry struct {
	ws       *workspace.Workspace
	chainFor ChainFunc
	toolset  ToolsetFunc
	onFinish FinishFunc

	maxConcurrent int
	timeout       time.Duration
	retention     time.Duration
	maxIterations int

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	workers map[string]*entry
	active  int
	wg      sync.WaitGroup
}

// entry pairs the worker record with its abort handle.
type entry struct {
	worker *models.Worker
	cancel context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConcurrent sets the parallel worker cap.
func WithMaxConcurrent(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithTimeout sets the per-worker wall-clock budget.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetention sets how long terminal entries stay in the registry.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithMaxIterations bounds the worker's tool loop.
func WithMaxIterations(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithOnFinish wires the completion bridge.
func WithOnFinish(fn FinishFunc) Option {
	return func(r *Registry) { r.onFinish = fn }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "workers")
		}
	}
}

// WithMetrics wires the active-workers gauge.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = metrics }
}

// WithNow overrides the clock, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds a worker registry writing under ws.
func NewRegistry(ws *workspace.Workspace, chainFor ChainFunc, toolset ToolsetFunc, opts ...Option) *Registry {
	r := &Registry{
		ws:            ws,
		chainFor:      chainFor,
		toolset:       toolset,
		maxConcurrent: DefaultMaxConcurrent,
		timeout:       DefaultTimeout,
		retention:     DefaultRetention,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default().With("component", "workers"),
		now:           time.Now,
		workers:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch starts a worker on task and returns its record immediately.
// model is optional; empty uses the default chain.
func (r *Registry) Dispatch(ctx context.Context, task, model string) (*models.Worker, error) {
	if task == "" {
		return nil, errors.New("workers: empty task")
	}
	chain, err := r.chainFor(model)
	if err != nil {
		return nil, fmt.Errorf("workers: %w", err)
	}

	r.mu.Lock()
	r.purgeLocked(r.now())
	if r.active >= r.maxConcurrent {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (%d running)", ErrTooManyWorkers, r.maxConcurrent)
	}
	r.active++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}

	id := "w-" + uuid.NewString()[:8]
	dir, err := r.ws.EnsureWorkerDir(id)
	if err != nil {
		release()
		return nil, err
	}

	w := &models.Worker{
		ID:         id,
		Task:       task,
		Status:     models.WorkerRunning,
		WorkingDir: dir,
		Model:      model,
		StartedAt:  r.now().UTC(),
	}
	if err := writeStatus(w); err != nil {
		release()
		return nil, err
	}

	// Workers outlive the dispatching tool call, so the session context is
	// detached from ctx and bounded by the worker timeout instead.
	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.workers[id] = &entry{worker: w, cancel: cancel}
	r.mu.Unlock()
	r.setGauge()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		sessionCtx, timeoutCancel := context.WithTimeout(runCtx, r.timeout)
		defer timeoutCancel()
		runErr := r.runSession(sessionCtx, chain, w)
		r.finish(w.ID, runErr)
	}()

	r.logger.Info("worker dispatched", "id", id, "model", model, "task", firstLine(task))
	snapshot := *w
	return &snapshot, nil
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (*models.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	snapshot := *e.worker
	return &snapshot, true
}

// List returns copies of every known worker, newest first.
func (r *Registry) List() []*models.Worker {
	r.mu.Lock()
	r.purgeLocked(r.now())
	out := make([]*models.Worker, 0, len(r.workers))
	for _, e := range r.workers {
		snapshot := *e.worker
		out = append(out, &snapshot)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveCount returns how many workers are currently running.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Steer replaces the worker's steering note. The worker's prompt tells it
// to re-read the file every few tool calls, so each steer supersedes the
// previous one.
func (r *Registry) Steer(id, note string) error {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if e.worker.Status != models.WorkerRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrWorkerNotRunning, id, e.worker.Status)
	}
	dir := e.worker.WorkingDir
	r.mu.Unlock()

	path := filepath.Join(dir, "steering.md")
	if err := os.WriteFile(path, []byte(note), 0o600); err != nil {
		return fmt.Errorf("write steering note: %w", err)
	}
	r.logger.Info("worker steered", "id", id)
	return nil
}

// Interrupt aborts a running worker. The cancelled status lands in the
// registry and on disk before the abort propagates, so the session's own
// error handling cannot overwrite it.
func (r *Registry) Interrupt(id string) error {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	if e.worker.Status != models.WorkerRunning {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrWorkerNotRunning, id, e.worker.Status)
	}
	e.worker.Status = models.WorkerCancelled
	e.worker.Error = "interrupted"
	e.worker.CompletedAt = r.now().UTC()
	snapshot := *e.worker
	cancel := e.cancel
	r.mu.Unlock()

	if err := writeStatus(&snapshot); err != nil {
		r.logger.Warn("status write failed", "id", id, "error", err)
	}
	cancel()
	r.logger.Info("worker interrupted", "id", id)
	return nil
}

// Stop aborts every running worker and waits for their goroutines.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	for _, e := range r.workers {
		if e.worker.Status == models.WorkerRunning {
			e.cancel()
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish settles the terminal state, persists it, and fires the
// completion bridge. A pre-set cancelled status (from Interrupt) wins over
// whatever error the aborted session returned.
func (r *Registry) finish(id string, runErr error) {
	r.mu.Lock()
	e, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now().UTC()
	switch {
	case e.worker.Status == models.WorkerCancelled:
	case runErr == nil:
		e.worker.Status = models.WorkerComplete
		e.worker.CompletedAt = now
	case errors.Is(runErr, context.DeadlineExceeded):
		e.worker.Status = models.WorkerTimeout
		e.worker.Error = fmt.Sprintf("timed out after %s", r.timeout)
		e.worker.CompletedAt = now
	case errors.Is(runErr, context.Canceled):
		e.worker.Status = models.WorkerCancelled
		e.worker.Error = "interrupted"
		e.worker.CompletedAt = now
	default:
		e.worker.Status = models.WorkerFailed
		e.worker.Error = runErr.Error()
		e.worker.CompletedAt = now
	}
	snapshot := *e.worker
	r.active--
	r.mu.Unlock()
	r.setGauge()

	if err := writeStatus(&snapshot); err != nil {
		r.logger.Warn("status write failed", "id", id, "error", err)
	}
	r.logger.Info("worker finished", "id", id, "status", snapshot.Status)

	if r.onFinish != nil {
		r.onFinish(context.Background(), &snapshot, completionFact(&snapshot))
	}
}

// purgeLocked drops terminal entries past the retention window. Files on
// disk are left alone. Caller holds r.mu.
func (r *Registry) purgeLocked(now time.Time) {
	for id, e := range r.workers {
		if !e.worker.Status.IsTerminal() || e.worker.CompletedAt.IsZero() {
			continue
		}
		if now.Sub(e.worker.CompletedAt) > r.retention {
			delete(r.workers, id)
		}
	}
}

func (r *Registry) setGauge() {
	if r.metrics == nil {
		return
	}
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	r.metrics.WorkersActive.Set(float64(active))
}

// completionFact is the archival sentence trigger projections match on.
func completionFact(w *models.Worker) string {
	switch w.Status {
	case models.WorkerComplete:
		return fmt.Sprintf("Worker %s complete, results at %s", w.ID, filepath.Join(w.WorkingDir, "result.md"))
	case models.WorkerFailed:
		return fmt.Sprintf("Worker %s failed: %s", w.ID, w.Error)
	case models.WorkerTimeout:
		return fmt.Sprintf("Worker %s timed out", w.ID)
	default:
		return fmt.Sprintf("Worker %s cancelled", w.ID)
	}
}

// statusDocument is the on-disk status.json shape. completed_at and
// error serialise as explicit nulls while the worker runs.
type statusDocument struct {
	WorkerID    string              `json:"worker_id"`
	Status      models.WorkerStatus `json:"status"`
	Task        string              `json:"task"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at"`
	Model       string              `json:"model"`
	Error       *string             `json:"error"`
	ResultPath  string              `json:"result_path"`
}

// writeStatus persists status.json atomically via temp file and rename.
func writeStatus(w *models.Worker) error {
	doc := statusDocument{
		WorkerID:   w.ID,
		Status:     w.Status,
		Task:       w.Task,
		StartedAt:  w.StartedAt,
		Model:      w.Model,
		ResultPath: filepath.Join(w.WorkingDir, "result.md"),
	}
	if !w.CompletedAt.IsZero() {
		t := w.CompletedAt
		doc.CompletedAt = &t
	}
	if w.Error != "" {
		e := w.Error
		doc.Error = &e
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := filepath.Join(w.WorkingDir, "status.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace status: %w", err)
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
