// Package queue serialises agent work per channel: a bounded FIFO with a
// merge window in front of an at-most-one-in-flight dispatch loop. User
// messages, scheduler ticks, and worker completions all pass through here,
// so everything the agent does on one channel happens in arrival order.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil-dev/vigil/internal/observability"
	"github.com/vigil-dev/vigil/pkg/models"
)

const (
	// DefaultCapacity bounds how many messages wait behind the in-flight
	// one. Coalesced messages count individually, so a burst cannot hide
	// inside one merged entry.
	DefaultCapacity = 10
	// DefaultMergeWindow is how close together two buffered messages must
	// arrive to be coalesced into one entry.
	DefaultMergeWindow = 5 * time.Second
)

// ProcessFunc handles one dequeued message. It is called from the
// channel's dispatch goroutine; returning (normally or not) releases the
// channel for the next entry.
type ProcessFunc func(ctx context.Context, msg *models.Message)

// RejectFunc is invoked when the buffer is full and a message is dropped.
type RejectFunc func(msg *models.Message)

// Manager owns one queue per channel. Channels never share locks: a slow
// session on one channel cannot delay another.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channelQueue
	stopped  bool

	capacity    int
	mergeWindow time.Duration
	process     ProcessFunc
	onReject    RejectFunc
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type channelQueue struct {
	mu         sync.Mutex
	id         string
	entries    []*models.Message
	counts     []int // source messages coalesced into each entry
	buffered   int   // total source messages across entries
	processing bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity sets the buffered entry limit per channel.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithMergeWindow sets the coalescing window.
func WithMergeWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.mergeWindow = d
		}
	}
}

// WithOnReject sets the callback for dropped messages.
func WithOnReject(fn RejectFunc) Option {
	return func(m *Manager) { m.onReject = fn }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "queue")
		}
	}
}

// WithMetrics wires queue depth gauges.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNow overrides the clock, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a queue manager dispatching to process.
func NewManager(process ProcessFunc, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		channels:    make(map[string]*channelQueue),
		capacity:    DefaultCapacity,
		mergeWindow: DefaultMergeWindow,
		process:     process,
		logger:      slog.Default().With("component", "queue"),
		now:         time.Now,
		baseCtx:     ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue routes a message into its channel's queue. When the channel is
// idle the message dispatches immediately; when the newest buffered entry
// is fresher than the merge window the message folds into it; otherwise
// it occupies a new slot. Every buffered message counts against the
// channel capacity whether or not it merged, so a full channel rejects
// even inside the merge window. Returns false only on rejection or after
// Stop.
func (m *Manager) Enqueue(msg *models.Message) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.logger.Debug("enqueue after stop dropped", "channel", msg.ChannelID)
		return false
	}
	q, ok := m.channels[msg.ChannelID]
	if !ok {
		q = &channelQueue{id: msg.ChannelID}
		m.channels[msg.ChannelID] = q
	}
	m.mu.Unlock()

	arrived := m.now()
	if msg.ArrivedAt.IsZero() {
		msg.ArrivedAt = arrived
	}

	q.mu.Lock()
	if !q.processing && len(q.entries) == 0 {
		q.processing = true
		q.mu.Unlock()
		m.wg.Add(1)
		go m.dispatchLoop(q, msg)
		return true
	}

	if q.buffered < m.capacity {
		if len(q.entries) > 0 {
			tail := q.entries[len(q.entries)-1]
			if arrived.Sub(tail.ArrivedAt) <= m.mergeWindow {
				mergeInto(tail, msg)
				tail.ArrivedAt = arrived
				q.counts[len(q.counts)-1]++
				q.buffered++
				q.mu.Unlock()
				m.logger.Debug("message merged into tail", "channel", q.id)
				return true
			}
		}

		q.entries = append(q.entries, msg)
		q.counts = append(q.counts, 1)
		q.buffered++
		depth := len(q.entries)
		q.mu.Unlock()
		m.recordDepth(q.id, depth)
		return true
	}
	q.mu.Unlock()

	m.logger.Warn("queue full, message rejected", "channel", q.id, "capacity", m.capacity)
	if m.onReject != nil {
		m.onReject(msg)
	}
	return false
}

// dispatchLoop processes msg and then drains the buffer until empty.
func (m *Manager) dispatchLoop(q *channelQueue, msg *models.Message) {
	defer m.wg.Done()
	for {
		m.safeProcess(msg)

		select {
		case <-m.baseCtx.Done():
			q.mu.Lock()
			q.processing = false
			q.mu.Unlock()
			return
		default:
		}

		q.mu.Lock()
		if len(q.entries) == 0 {
			q.processing = false
			q.mu.Unlock()
			m.recordDepth(q.id, 0)
			return
		}
		msg = q.entries[0]
		q.entries = q.entries[1:]
		q.buffered -= q.counts[0]
		q.counts = q.counts[1:]
		depth := len(q.entries)
		q.mu.Unlock()
		m.recordDepth(q.id, depth)
	}
}

func (m *Manager) safeProcess(msg *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message processing panicked", "channel", msg.ChannelID, "panic", r)
		}
	}()
	m.process(m.baseCtx, msg)
}

// mergeInto folds next into tail, joining text with a newline and
// carrying over any images.
func mergeInto(tail, next *models.Message) {
	switch {
	case tail.Content == "":
		tail.Content = next.Content
	case next.Content != "":
		tail.Content = strings.Join([]string{tail.Content, next.Content}, "\n")
	}
	tail.Images = append(tail.Images, next.Images...)
}

// QueueDepth returns the number of buffered entries for a channel,
// excluding any in-flight message.
func (m *Manager) QueueDepth(channelID string) int {
	m.mu.Lock()
	q, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsProcessing reports whether a message is currently in flight.
func (m *Manager) IsProcessing(channelID string) bool {
	m.mu.Lock()
	q, ok := m.channels[channelID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Stop rejects further enqueues, cancels the processing context, and
// waits for in-flight work to return. Buffered entries are discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) recordDepth(channelID string, depth int) {
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(channelID).Set(float64(depth))
	}
}
