package model

import "time"

// TaskState is the lifecycle state of an external browsing task.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStatePolling   TaskState = "polling"
	TaskStateFinished  TaskState = "finished"
	TaskStateFailed    TaskState = "failed"
	TaskStateTimedOut  TaskState = "timed_out"
	TaskStateAbandoned TaskState = "abandoned" // caller went away while the remote task was running
	TaskStateIngested  TaskState = "ingested"
)

// Terminal reports whether no further remote progress is expected.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateFinished, TaskStateFailed, TaskStateIngested:
		return true
	default:
		return false
	}
}

// Resumable reports whether the reconciler should re-poll a task in this state.
func (s TaskState) Resumable() bool {
	switch s {
	case TaskStateSubmitted, TaskStatePolling, TaskStateTimedOut, TaskStateAbandoned:
		return true
	default:
		return false
	}
}

// ScrapeTask is the audit record of one submitted browsing task. Credentials
// are never stored.
type ScrapeTask struct {
	ID            string    `json:"id"`
	ExternalID    string    `json:"external_id"`
	PositionID    string    `json:"position_id"`
	PortalURL     string    `json:"portal_url"`
	State         TaskState `json:"state"`
	Error         string    `json:"error,omitempty"`
	RawCount      int       `json:"raw_count"`
	InsertedCount int       `json:"inserted_count"`
	SkippedCount  int       `json:"skipped_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
