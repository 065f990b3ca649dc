package model

import "time"

// DefaultRunLogLimit is how many run logs a listing returns when the caller
// does not ask for a specific number.
const DefaultRunLogLimit = 200

// RunResult is the outcome of one execution cycle of a job.
type RunResult struct {
	JobID        string
	StartedAt    time.Time
	FinishedAt   time.Time
	Success      bool
	StatusCode   *int
	ErrorMessage *string
	AttemptCount int
}

// RunLog is the immutable, persisted record of a RunResult.
type RunLog struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Success      bool      `json:"success"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	AttemptCount int       `json:"attempt_count"`
}

// Log converts the result into a RunLog. The id is assigned by the store.
func (r *RunResult) Log() *RunLog {
	return &RunLog{
		JobID:        r.JobID,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Success:      r.Success,
		StatusCode:   r.StatusCode,
		ErrorMessage: r.ErrorMessage,
		AttemptCount: r.AttemptCount,
	}
}
