package orchestrator

import "time"

// State is the lifecycle position of one ModuleRun.
//
// pending -> ready -> running -> succeeded | failed | timed_out
// pending -> skipped
// ready   -> skipped
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateSkipped   State = "skipped"
)

// Terminal reports whether a run can no longer change state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateSkipped:
		return true
	}
	return false
}

// Status is the overall outcome of a ScanJob.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial_success"
	StatusFailure Status = "failure"
)

// ModuleRun is one execution instance of a module within a ScanJob. It is
// owned exclusively by its job and only mutated under the job's lock.
type ModuleRun struct {
	Name      string
	State     State
	Attempts  int
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	Results   int
}

func (r *ModuleRun) duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// ModuleSnapshot is a read-only copy of a ModuleRun for the dashboard feed.
type ModuleSnapshot struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	Attempts  int           `json:"attempts"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Results   int           `json:"results"`
}

// JobSnapshot is a consistent point-in-time view of a ScanJob.
type JobSnapshot struct {
	ID        string           `json:"scan_id"`
	Target    string           `json:"target"`
	Status    Status           `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at,omitempty"`
	Progress  int              `json:"progress"`
	Modules   []ModuleSnapshot `json:"modules"`
}
