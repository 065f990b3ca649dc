package core

import (
	"context"
	"fmt"

	"github.com/Popie52/httpjobs/internal/metrics"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/Popie52/httpjobs/internal/store"
	"github.com/sirupsen/logrus"
)

// Service is the surface the API layer drives. Every mutation of a job runs
// under that job's lock, so it is ordered against the scheduler claiming and
// re-arming the job. A mutation does not wait for an in-flight run.
type Service struct {
	store     store.JobStore
	scheduler *Scheduler
	log       logrus.FieldLogger
	metrics   metrics.MetricsFn
}

func NewService(st store.JobStore, s *Scheduler, log logrus.FieldLogger, m metrics.MetricsFn) *Service {
	return &Service{
		store:     st,
		scheduler: s,
		log:       log,
		metrics:   m,
	}
}

func (s *Service) Create(ctx context.Context, spec model.JobSpec) (*model.Job, error) {
	job := &model.Job{
		URL:        spec.URL,
		Method:     model.NormalizeMethod(spec.Method),
		Headers:    spec.Headers,
		Body:       spec.Body,
		Interval:   spec.Interval,
		MaxRetries: spec.MaxRetries,
		RetryDelay: spec.RetryDelay,
		CreatedAt:  s.scheduler.clock.Now(),
		Active:     spec.Active == nil || *spec.Active,
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}

	created, err := s.store.Insert(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	s.metrics.IncJobsCreated()
	s.scheduler.Schedule(created)

	s.log.WithFields(logrus.Fields{
		"job_id":   created.ID,
		"url":      created.URL,
		"interval": created.Interval,
	}).Info("job created")
	return created, nil
}

// Update changes a job's definition and re-arms it from its stored schedule.
func (s *Service) Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	var out *model.Job
	err := s.scheduler.withJob(ctx, id, func() error {
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		merged := cur.Clone()
		patch.Apply(merged)
		if err := merged.Validate(); err != nil {
			return err
		}

		j, err := s.store.UpdateFields(ctx, id, patch)
		if err != nil {
			return err
		}
		s.scheduler.arm(j)
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("job_id", id).Info("job updated")
	return out, nil
}

func (s *Service) Disable(ctx context.Context, id string) error {
	err := s.scheduler.withJob(ctx, id, func() error {
		if _, err := s.store.SetActive(ctx, id, false); err != nil {
			return err
		}
		s.scheduler.disarm(id)
		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("job_id", id).Info("job disabled")
	return nil
}

// Enable activates a job and arms it from its stored NextRunAt; a time in the
// past fires immediately.
func (s *Service) Enable(ctx context.Context, id string) (*model.Job, error) {
	var out *model.Job
	err := s.scheduler.withJob(ctx, id, func() error {
		j, err := s.store.SetActive(ctx, id, true)
		if err != nil {
			return err
		}
		s.scheduler.arm(j)
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("job_id", id).Info("job enabled")
	return out, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.scheduler.withJob(ctx, id, func() error {
		if err := s.store.Delete(ctx, id); err != nil {
			return err
		}
		s.scheduler.disarm(id)
		return nil
	})
	if err != nil {
		return err
	}

	s.log.WithField("job_id", id).Info("job deleted")
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]*model.Job, error) {
	return s.store.List(ctx)
}

// RunLogs returns the newest run logs of a job.
func (s *Service) RunLogs(ctx context.Context, id string, limit int) ([]*model.RunLog, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListRunLogs(ctx, id, limit)
}
