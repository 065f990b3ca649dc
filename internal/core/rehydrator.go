package core

import (
	"context"
	"fmt"

	"github.com/Popie52/httpjobs/internal/store"
	"github.com/sirupsen/logrus"
)

// Rehydrator rebuilds the scheduler's wakes from persisted active jobs.
type Rehydrator struct {
	store     store.JobStore
	scheduler *Scheduler
	log       logrus.FieldLogger
}

func NewRehydrator(st store.JobStore, s *Scheduler, log logrus.FieldLogger) *Rehydrator {
	return &Rehydrator{store: st, scheduler: s, log: log}
}

// Start arms a wake for every active job. Failing to list jobs is fatal to
// start-up; an empty list is not.
func (r *Rehydrator) Start(ctx context.Context) error {
	jobs, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	for _, j := range jobs {
		r.scheduler.Schedule(j)
	}

	r.log.WithField("jobs", len(jobs)).Info("schedule restored")
	return nil
}
