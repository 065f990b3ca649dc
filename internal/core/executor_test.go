package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Popie52/httpjobs/internal/caller"
	"github.com/Popie52/httpjobs/internal/logging"
	"github.com/Popie52/httpjobs/internal/metrics"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertJob(t *testing.T, e *engine, job *model.Job) *model.Job {
	t.Helper()
	j, err := e.store.Insert(context.Background(), job)
	require.NoError(t, err)
	return j
}

func TestExecutor_RetriesUntilExhausted(t *testing.T) {
	e := newEngine(alwaysFail)
	job := insertJob(t, e, &model.Job{
		URL:        "http://example.test",
		Method:     "GET",
		Interval:   1000 * time.Millisecond,
		MaxRetries: 2,
		RetryDelay: 100 * time.Millisecond,
		CreatedAt:  time.Now(),
		Active:     true,
	})

	res, updated := e.executor.Run(context.Background(), job)

	assert.Equal(t, 3, res.AttemptCount)
	assert.False(t, res.Success)
	assert.Nil(t, res.StatusCode)
	require.NotNil(t, res.ErrorMessage)
	assert.Contains(t, *res.ErrorMessage, "connection refused")

	times := e.caller.callTimes()
	require.Len(t, times, 3)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 90*time.Millisecond)
	}

	require.NotNil(t, updated.LastRunAt)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.Equal(updated.LastRunAt.Add(1000*time.Millisecond)))
	assert.True(t, updated.LastRunAt.Equal(res.FinishedAt))
	assert.True(t, updated.Active, "a failed run does not disable the job")

	stored, err := e.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.Equal(*updated.NextRunAt))

	logs, err := e.store.ListRunLogs(context.Background(), job.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 3, logs[0].AttemptCount)
	assert.False(t, logs[0].Success)
	require.NotNil(t, logs[0].ErrorMessage)
}

func TestExecutor_FirstAttemptSucceeds(t *testing.T) {
	e := newEngine(alwaysStatus(204))
	job := insertJob(t, e, &model.Job{
		URL:        "http://example.test",
		Method:     "GET",
		Interval:   time.Minute,
		RetryDelay: time.Hour,
		CreatedAt:  time.Now(),
		Active:     true,
	})

	start := time.Now()
	res, updated := e.executor.Run(context.Background(), job)

	assert.Less(t, time.Since(start), time.Second, "no retry delay incurred")
	assert.Equal(t, 1, res.AttemptCount)
	assert.True(t, res.Success)
	require.NotNil(t, res.StatusCode)
	assert.Equal(t, 204, *res.StatusCode)
	assert.Nil(t, res.ErrorMessage)
	assert.Equal(t, 1, e.caller.count())
	assert.True(t, updated.NextRunAt.Equal(updated.LastRunAt.Add(time.Minute)))
}

func TestExecutor_AnyStatusIsSuccess(t *testing.T) {
	e := newEngine(func(n int) (int, error) {
		if n == 1 {
			return 0, errConnRefused
		}
		return 503, nil
	})
	job := insertJob(t, e, &model.Job{
		URL:        "http://example.test",
		Interval:   time.Minute,
		MaxRetries: 4,
		CreatedAt:  time.Now(),
		Active:     true,
	})

	res, _ := e.executor.Run(context.Background(), job)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.AttemptCount)
	assert.Equal(t, 503, *res.StatusCode)
	assert.Nil(t, res.ErrorMessage, "a later success clears the earlier error")
}

func TestExecutor_AttemptCountWithinBudget(t *testing.T) {
	for r := 0; r <= 4; r++ {
		for failures := 0; failures <= r+2; failures++ {
			failures := failures
			e := newEngine(func(n int) (int, error) {
				if n <= failures {
					return 0, errConnRefused
				}
				return 200, nil
			})
			job := insertJob(t, e, &model.Job{
				URL:        "http://example.test",
				Interval:   time.Minute,
				MaxRetries: r,
				CreatedAt:  time.Now(),
				Active:     true,
			})

			res, _ := e.executor.Run(context.Background(), job)
			assert.GreaterOrEqual(t, res.AttemptCount, 1)
			assert.LessOrEqual(t, res.AttemptCount, r+1)
			assert.Equal(t, failures <= r, res.Success, "r=%d failures=%d", r, failures)
		}
	}
}

func TestExecutor_PersistenceFailureIsSwallowed(t *testing.T) {
	e := newEngine(alwaysStatus(200))
	job := insertJob(t, e, &model.Job{
		URL:       "http://example.test",
		Interval:  time.Second,
		CreatedAt: time.Now(),
		Active:    true,
	})

	ex := NewExecutor(brokenStore{e.store}, e.caller, logging.Discard(), metrics.Nop{})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ex.clock = fixedClock{now}

	res, updated := ex.Run(context.Background(), job)
	assert.True(t, res.Success)
	require.NotNil(t, updated.NextRunAt)
	assert.Equal(t, now.Add(time.Second), *updated.NextRunAt)
}

func TestExecutor_ShutdownDuringRetryWait(t *testing.T) {
	e := newEngine(alwaysFail)
	job := insertJob(t, e, &model.Job{
		URL:        "http://example.test",
		Interval:   time.Minute,
		MaxRetries: 5,
		RetryDelay: time.Hour,
		CreatedAt:  time.Now(),
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, updated := e.executor.Run(ctx, job)
	assert.Equal(t, 1, res.AttemptCount)
	assert.False(t, res.Success)
	require.NotNil(t, updated.NextRunAt)

	logs, err := e.store.ListRunLogs(context.Background(), job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1, "the run is recorded even when interrupted")
}

func TestExecutor_CallInFlightSurvivesShutdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newEngine(alwaysFail)
	ex := NewExecutor(e.store, caller.NewHTTPCaller(0), logging.Discard(), metrics.Nop{})
	job := insertJob(t, e, &model.Job{
		URL:        srv.URL,
		Method:     http.MethodGet,
		Interval:   time.Minute,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, _ := ex.Run(ctx, job)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.AttemptCount)
	require.NotNil(t, res.StatusCode)
	assert.Equal(t, http.StatusNoContent, *res.StatusCode)
	assert.Nil(t, res.ErrorMessage)
}

func TestExecutor_NoRetriesAfterShutdown(t *testing.T) {
	e := newEngine(alwaysFail)
	job := insertJob(t, e, &model.Job{
		URL:        "http://example.test",
		Interval:   time.Minute,
		MaxRetries: 5,
		CreatedAt:  time.Now(),
		Active:     true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, updated := e.executor.Run(ctx, job)
	assert.Equal(t, 1, res.AttemptCount, "the started run still makes its first attempt")
	assert.Equal(t, 1, e.caller.count())
	assert.False(t, res.Success)
	require.NotNil(t, updated.NextRunAt)
}

func TestBuildRequest(t *testing.T) {
	t.Run("json-body-defaults-content-type", func(t *testing.T) {
		req, err := buildRequest(&model.Job{
			Method:  "POST",
			URL:     "http://x",
			Headers: map[string]string{"X-Token": "abc"},
			Body:    &model.Body{Payload: map[string]any{"a": 1}, JSON: true},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(req.Body))
		assert.Equal(t, "application/json", req.Headers["Content-Type"])
		assert.Equal(t, "abc", req.Headers["X-Token"])
	})

	t.Run("json-body-keeps-caller-content-type", func(t *testing.T) {
		req, err := buildRequest(&model.Job{
			Headers: map[string]string{"content-type": "application/vnd.api+json"},
			Body:    &model.Body{Payload: []any{"x"}, JSON: true},
		})
		require.NoError(t, err)
		assert.Equal(t, "application/vnd.api+json", req.Headers["content-type"])
		_, set := req.Headers["Content-Type"]
		assert.False(t, set)
	})

	t.Run("raw-text", func(t *testing.T) {
		req, err := buildRequest(&model.Job{Body: &model.Body{Payload: "hello"}})
		require.NoError(t, err)
		assert.Equal(t, "hello", string(req.Body))
		assert.Empty(t, req.Headers)
	})

	t.Run("no-body", func(t *testing.T) {
		req, err := buildRequest(&model.Job{Method: "GET"})
		require.NoError(t, err)
		assert.Nil(t, req.Body)
	})

	t.Run("unencodable-json", func(t *testing.T) {
		_, err := buildRequest(&model.Job{Body: &model.Body{Payload: make(chan int), JSON: true}})
		assert.Error(t, err)
	})
}
