package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Popie52/httpjobs/internal/caller"
	"github.com/Popie52/httpjobs/internal/metrics"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/Popie52/httpjobs/internal/store"
	"github.com/sirupsen/logrus"
)

// Runner executes one cycle of a job and returns the job with its new
// schedule.
type Runner interface {
	Run(ctx context.Context, job *model.Job) (*model.RunResult, *model.Job)
}

// Executor runs the retry loop for a job against the outbound caller and
// records the outcome.
type Executor struct {
	store   store.JobStore
	caller  caller.Caller
	clock   Clock
	log     logrus.FieldLogger
	metrics metrics.MetricsFn
}

func NewExecutor(st store.JobStore, c caller.Caller, log logrus.FieldLogger, m metrics.MetricsFn) *Executor {
	return &Executor{
		store:   st,
		caller:  c,
		clock:   realClock{},
		log:     log,
		metrics: m,
	}
}

// Run makes up to MaxRetries+1 attempts. Any status code ends the loop as a
// success; only a call that could not complete is retried. The job is always
// rescheduled one interval after the run finishes, whatever the outcome.
//
// Cancelling ctx does not abort a call in flight, which is bounded only by
// the caller's own timeout; it stops further attempts.
func (e *Executor) Run(ctx context.Context, job *model.Job) (*model.RunResult, *model.Job) {
	e.metrics.IncInflight()
	defer e.metrics.DecInflight()

	log := e.log.WithField("job_id", job.ID)
	res := &model.RunResult{
		JobID:     job.ID,
		StartedAt: e.clock.Now(),
	}

	maxAttempts := job.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.AttemptCount = attempt
		if attempt > 1 {
			e.metrics.IncRetries()
		}

		code, err := e.attempt(context.WithoutCancel(ctx), job)
		if err == nil {
			res.Success = true
			res.StatusCode = &code
			res.ErrorMessage = nil
			log.WithFields(logrus.Fields{"attempt": attempt, "status_code": code}).Debug("call completed")
			break
		}

		msg := err.Error()
		res.ErrorMessage = &msg
		e.metrics.IncAttemptFailures()
		log.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": maxAttempts}).WithError(err).Warn("attempt failed")

		if attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			log.Warn("retries abandoned on shutdown")
			break
		}
		if job.RetryDelay > 0 && !sleep(ctx, job.RetryDelay) {
			log.Warn("retry wait interrupted by shutdown")
			break
		}
	}

	lastRun := e.clock.Now()
	nextRun := lastRun.Add(job.Interval)
	res.FinishedAt = lastRun

	if res.Success {
		e.metrics.IncRunsSucceeded()
	} else {
		e.metrics.IncRunsFailed()
	}
	e.metrics.ObserveRun(res.FinishedAt.Sub(res.StartedAt))

	// persisted even when ctx has ended
	pctx := context.WithoutCancel(ctx)
	if err := e.store.UpdateSchedule(pctx, job.ID, lastRun, nextRun); err != nil {
		log.WithError(err).Error("failed to persist schedule")
	}
	if err := e.store.AppendRunLog(pctx, res.Log()); err != nil {
		log.WithError(err).Error("failed to append run log")
	}

	updated := job.Clone()
	updated.LastRunAt = &lastRun
	updated.NextRunAt = &nextRun

	log.WithFields(logrus.Fields{
		"success":  res.Success,
		"attempts": res.AttemptCount,
		"next_run": nextRun,
	}).Info("run finished")

	return res, updated
}

func (e *Executor) attempt(ctx context.Context, job *model.Job) (int, error) {
	req, err := buildRequest(job)
	if err != nil {
		return 0, err
	}
	return e.caller.Perform(ctx, req)
}

func buildRequest(job *model.Job) (caller.Request, error) {
	req := caller.Request{
		Method:  job.Method,
		URL:     job.URL,
		Headers: make(map[string]string, len(job.Headers)+1),
	}
	for k, v := range job.Headers {
		req.Headers[k] = v
	}

	if job.Body == nil {
		return req, nil
	}

	if job.Body.JSON {
		data, err := json.Marshal(job.Body.Payload)
		if err != nil {
			return req, fmt.Errorf("encode body: %w", err)
		}
		req.Body = data
		if !hasHeader(req.Headers, "Content-Type") {
			req.Headers["Content-Type"] = "application/json"
		}
		return req, nil
	}

	switch p := job.Body.Payload.(type) {
	case nil:
		req.Body = []byte{}
	case string:
		req.Body = []byte(p)
	case []byte:
		req.Body = p
	default:
		req.Body = []byte(fmt.Sprint(p))
	}
	return req, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
