package models

import "time"

// WorkerStatus is the lifecycle state of a background worker.
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerComplete  WorkerStatus = "complete"
	WorkerFailed    WorkerStatus = "failed"
	WorkerTimeout   WorkerStatus = "timeout"
	WorkerCancelled WorkerStatus = "cancelled"
)

// IsTerminal reports whether the worker has finished for good.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerComplete || s == WorkerFailed || s == WorkerTimeout || s == WorkerCancelled
}

// Worker describes one background research task. Its on-disk reflection
// is the status.json document in the worker's directory.
type Worker struct {
	ID          string       `json:"id"`
	Task        string       `json:"task"`
	Status      WorkerStatus `json:"status"`
	WorkingDir  string       `json:"working_dir"`
	Model       string       `json:"model,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}
