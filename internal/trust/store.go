package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Duration says how long an approval lasts.
type Duration string

const (
	// DurationAlways persists across restarts.
	DurationAlways Duration = "always"
	// DurationOnce is consumed by the next matching call.
	DurationOnce Duration = "once"
)

// Approval is one granted tool permission.
type Approval struct {
	Tool      string    `json:"tool"`
	GrantedAt time.Time `json:"grantedAt"`
	Duration  Duration  `json:"duration"`
}

// Store holds tool approvals: a pre-approved set from the composition
// root, persisted always-approvals, and process-lifetime once-approvals.
// The file is rewritten atomically on every change.
type Store struct {
	mu          sync.Mutex
	path        string
	preapproved map[string]bool
	always      map[string]Approval
	once        map[string]Approval
	logger      *slog.Logger
	now         func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPreapproved marks tools trusted without any handshake.
func WithPreapproved(tools []string) StoreOption {
	return func(s *Store) {
		for _, t := range tools {
			s.preapproved[t] = true
		}
	}
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "trust")
		}
	}
}

// WithStoreNow overrides the clock, mainly for tests.
func WithStoreNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore loads the approvals file at path, tolerating its absence.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:        path,
		preapproved: make(map[string]bool),
		always:      make(map[string]Approval),
		once:        make(map[string]Approval),
		logger:      slog.Default().With("component", "trust"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read approvals: %w", err)
	}

	var approvals []Approval
	if err := json.Unmarshal(data, &approvals); err != nil {
		return nil, fmt.Errorf("parse approvals: %w", err)
	}
	for _, a := range approvals {
		if a.Duration == DurationAlways && a.Tool != "" {
			s.always[a.Tool] = a
		}
	}
	return s, nil
}

// IsApproved reports whether the tool may run right now. Once-approvals
// are not consumed here; call Consume after the decision is final.
func (s *Store) IsApproved(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preapproved[tool] {
		return true
	}
	if _, ok := s.always[tool]; ok {
		return true
	}
	_, ok := s.once[tool]
	return ok
}

// Consume removes a once-approval after it has been used. Standing
// approvals are unaffected.
func (s *Store) Consume(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preapproved[tool] {
		return
	}
	if _, ok := s.always[tool]; ok {
		return
	}
	delete(s.once, tool)
}

// Approve grants the tool. Always-approvals are written to disk before
// returning.
func (s *Store) Approve(tool string, d Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	approval := Approval{Tool: tool, GrantedAt: s.now().UTC(), Duration: d}
	switch d {
	case DurationOnce:
		s.once[tool] = approval
		s.logger.Info("tool approved once", "tool", tool)
		return nil
	case DurationAlways:
		s.always[tool] = approval
		s.logger.Info("tool approved always", "tool", tool)
		return s.saveLocked()
	}
	return fmt.Errorf("unknown approval duration %q", d)
}

// Revoke removes every approval for the tool, persisting if a standing
// approval was dropped.
func (s *Store) Revoke(tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.once, tool)
	if _, ok := s.always[tool]; !ok {
		return nil
	}
	delete(s.always, tool)
	return s.saveLocked()
}

// Approvals returns the standing approvals, for the status surface.
func (s *Store) Approvals() []Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Approval, 0, len(s.always))
	for _, a := range s.always {
		out = append(out, a)
	}
	return out
}

func (s *Store) saveLocked() error {
	approvals := make([]Approval, 0, len(s.always))
	for _, a := range s.always {
		approvals = append(approvals, a)
	}

	data, err := json.MarshalIndent(approvals, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create approvals dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace approvals: %w", err)
	}
	return nil
}
