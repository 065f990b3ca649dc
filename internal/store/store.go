package store

import (
	"context"
	"time"

	"github.com/Popie52/httpjobs/internal/model"
)

// JobStore is the durable home of jobs and their run logs. Implementations
// must be safe for concurrent use and return model.ErrNotFound for unknown ids.
type JobStore interface {
	Get(ctx context.Context, id string) (*model.Job, error)

	List(ctx context.Context) ([]*model.Job, error)

	ListActive(ctx context.Context) ([]*model.Job, error)

	// Insert assigns the job an id and persists it.
	Insert(ctx context.Context, job *model.Job) (*model.Job, error)

	UpdateSchedule(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error

	UpdateFields(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error)

	// Delete removes the job and its run logs.
	Delete(ctx context.Context, id string) error

	SetActive(ctx context.Context, id string, active bool) (*model.Job, error)

	AppendRunLog(ctx context.Context, log *model.RunLog) error

	// ListRunLogs returns up to limit logs for a job, newest first.
	ListRunLogs(ctx context.Context, jobID string, limit int) ([]*model.RunLog, error)
}

// DefaultRunLogRetain bounds how many logs per job the file and redis
// backends keep.
const DefaultRunLogRetain = 1000

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return model.DefaultRunLogLimit
	}
	return limit
}
