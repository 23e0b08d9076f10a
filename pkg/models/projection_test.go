package models

import "testing"

func TestProjectionStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   ProjectionStatus
		terminal bool
	}{
		{ProjectionPending, false},
		{ProjectionDone, true},
		{ProjectionCancelled, true},
		{ProjectionPassed, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestDependencyConditionMatches(t *testing.T) {
	tests := []struct {
		name      string
		condition DependencyCondition
		status    ProjectionStatus
		want      bool
	}{
		{"done matches done", CondDone, ProjectionDone, true},
		{"done rejects cancelled", CondDone, ProjectionCancelled, false},
		{"cancelled matches cancelled", CondCancelled, ProjectionCancelled, true},
		{"passed matches passed", CondPassed, ProjectionPassed, true},
		{"any-terminal matches done", CondAnyTerminal, ProjectionDone, true},
		{"any-terminal matches passed", CondAnyTerminal, ProjectionPassed, true},
		{"any-terminal rejects pending", CondAnyTerminal, ProjectionPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.condition.Matches(tt.status); got != tt.want {
				t.Errorf("Matches(%s, %s) = %v, want %v", tt.condition, tt.status, got, tt.want)
			}
		})
	}
}

func TestWorkerStatusIsTerminal(t *testing.T) {
	if WorkerRunning.IsTerminal() {
		t.Error("running should not be terminal")
	}
	for _, s := range []WorkerStatus{WorkerComplete, WorkerFailed, WorkerTimeout, WorkerCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
