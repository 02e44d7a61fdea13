package metadata

import "time"

// SyncJob statuses. Transitions are pending -> running -> completed|failed.
const (
	SyncPending   = "pending"
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// SyncJob records one execution of a job type against an Integration.
type SyncJob struct {
	ID            string         `json:"id"`
	IntegrationID string         `json:"integration_id"`
	JobType       string         `json:"job_type"`
	Status        string         `json:"status"`
	Progress      int            `json:"progress"`
	TotalRecords  int            `json:"total_records"`
	Options       map[string]any `json:"options,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at"`
	ErrorLog      *string        `json:"error_log"`
}

// IsTerminal reports whether the job reached completed or failed.
func (j *SyncJob) IsTerminal() bool {
	return j.Status == SyncCompleted || j.Status == SyncFailed
}

// CanTransition reports whether moving from one status to another keeps the
// status sequence monotonic.
func CanTransition(from, to string) bool {
	switch from {
	case SyncPending:
		return to == SyncRunning || to == SyncFailed
	case SyncRunning:
		return to == SyncCompleted || to == SyncFailed
	default:
		return false
	}
}
