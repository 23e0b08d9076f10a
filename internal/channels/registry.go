package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vigil-dev/vigil/pkg/models"
)

// Registry holds the active adapters keyed by platform and drives
// their shared lifecycle.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Platform]Adapter
	order    []models.Platform
	logger   *slog.Logger
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[models.Platform]Adapter),
		logger:   slog.Default().With("component", "channels"),
	}
}

// Register adds an adapter. Registering a platform twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := a.Platform()
	if _, exists := r.adapters[p]; exists {
		return fmt.Errorf("channels: adapter for %s already registered", p)
	}
	r.adapters[p] = a
	r.order = append(r.order, p)
	return nil
}

// Get returns the adapter serving a platform.
func (r *Registry) Get(p models.Platform) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Adapters returns the registered adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.adapters[p])
	}
	return out
}

// StartAll starts every adapter in registration order. If one fails,
// the already-started adapters are stopped before the error returns.
func (r *Registry) StartAll(ctx context.Context) error {
	var started []Adapter
	for _, a := range r.Adapters() {
		if err := a.Start(ctx); err != nil {
			for _, s := range started {
				if stopErr := s.Stop(ctx); stopErr != nil {
					r.logger.Warn("stopping adapter after failed start",
						"platform", s.Platform(),
						"error", stopErr)
				}
			}
			return fmt.Errorf("channels: start %s: %w", a.Platform(), err)
		}
		r.logger.Info("adapter started", "platform", a.Platform())
		started = append(started, a)
	}
	return nil
}

// StopAll stops every adapter and joins the errors.
func (r *Registry) StopAll(ctx context.Context) error {
	var errs []error
	for _, a := range r.Adapters() {
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("channels: stop %s: %w", a.Platform(), err))
			continue
		}
		r.logger.Info("adapter stopped", "platform", a.Platform())
	}
	return errors.Join(errs...)
}
