package models

import "time"

// ProjectionStatus is the lifecycle state of a projection.
type ProjectionStatus string

const (
	ProjectionPending   ProjectionStatus = "pending"
	ProjectionDone      ProjectionStatus = "done"
	ProjectionCancelled ProjectionStatus = "cancelled"
	// ProjectionPassed marks commitments whose moment came and went:
	// either surfaced to the user or expired unseen.
	ProjectionPassed ProjectionStatus = "passed"
)

// IsTerminal reports whether the status is a resting state. Terminal
// projections only return to pending through a recurrence rearm.
func (s ProjectionStatus) IsTerminal() bool {
	return s == ProjectionDone || s == ProjectionCancelled || s == ProjectionPassed
}

// Resolution is the time precision of a projection.
type Resolution string

const (
	ResolutionExact   Resolution = "exact"
	ResolutionDay     Resolution = "day"
	ResolutionWeek    Resolution = "week"
	ResolutionMonth   Resolution = "month"
	ResolutionSomeday Resolution = "someday"
)

// Projection is a forward-looking commitment: something the agent intends
// to surface, do, or watch for. Empty string fields stand for "unset".
type Projection struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	// RawWhen preserves the user's original phrasing ("next Tuesday-ish").
	RawWhen string `json:"raw_when,omitempty"`
	// ResolvedWhen is "YYYY-MM-DD HH:MM" or "YYYY-MM-DD" in UTC, or empty.
	ResolvedWhen string     `json:"resolved_when,omitempty"`
	Resolution   Resolution `json:"resolution"`
	// Recurrence is a standard 5-field cron expression, or empty for one-shot.
	Recurrence string `json:"recurrence,omitempty"`
	// TriggerOnFact activates the projection when a matching fact arrives
	// instead of at a wall-clock time.
	TriggerOnFact string           `json:"trigger_on_fact,omitempty"`
	Context       string           `json:"context,omitempty"`
	LinkedIDs     []string         `json:"linked_ids,omitempty"`
	Status        ProjectionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    time.Time        `json:"resolved_at,omitempty"`
}

// DependencyCondition selects which terminal transition of the subject
// releases the observer.
type DependencyCondition string

const (
	CondDone        DependencyCondition = "done"
	CondCancelled   DependencyCondition = "cancelled"
	CondPassed      DependencyCondition = "passed"
	CondAnyTerminal DependencyCondition = "any-terminal"
)

// Matches reports whether a subject's terminal status satisfies the condition.
func (c DependencyCondition) Matches(s ProjectionStatus) bool {
	switch c {
	case CondDone:
		return s == ProjectionDone
	case CondCancelled:
		return s == ProjectionCancelled
	case CondPassed:
		return s == ProjectionPassed
	case CondAnyTerminal:
		return s.IsTerminal()
	}
	return false
}

// ProjectionDependency makes the observer projection wait for the subject
// to reach a terminal state.
type ProjectionDependency struct {
	ObserverID string              `json:"observer_id"`
	SubjectID  string              `json:"subject_id"`
	Condition  DependencyCondition `json:"condition"`
}
