package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJobColumns = []string{
	"id",
	"url",
	"method",
	"headers",
	"body",
	"interval_ms",
	"max_retries",
	"retry_delay_ms",
	"created_at",
	"last_run_at",
	"next_run_at",
	"active",
}

func newMockStore(t *testing.T) (*PostgresJobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresJobStore(db), mock
}

func TestPostgresJobStore_Get(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := created.Add(time.Minute)

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM jobs WHERE id = \$1`).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(testJobColumns).AddRow(
				"job-1", "http://example.test", "POST", []byte(`{"X-Token":"abc"}`), []byte(`{"payload":"hi","json":false}`),
				int64(60000), 2, int64(250), created, nil, next, true,
			))

		j, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", j.ID)
		assert.Equal(t, time.Minute, j.Interval)
		assert.Equal(t, 250*time.Millisecond, j.RetryDelay)
		assert.Equal(t, 2, j.MaxRetries)
		assert.Equal(t, "abc", j.Headers["X-Token"])
		require.NotNil(t, j.Body)
		assert.Equal(t, "hi", j.Body.Payload)
		assert.Nil(t, j.LastRunAt)
		require.NotNil(t, j.NextRunAt)
		assert.True(t, j.NextRunAt.Equal(next))
		assert.True(t, j.Active)
	})

	t.Run("not-found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`FROM jobs WHERE id = \$1`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(testJobColumns))

		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestPostgresJobStore_ListActive(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM jobs WHERE active ORDER BY created_at`).
		WillReturnRows(sqlmock.NewRows(testJobColumns).
			AddRow("a", "http://a", "GET", nil, nil, int64(1000), 0, int64(0), created, nil, nil, true).
			AddRow("b", "http://b", "GET", nil, nil, int64(2000), 1, int64(10), created, nil, nil, true))

	jobs, err := s.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, 2*time.Second, jobs[1].Interval)
	assert.Nil(t, jobs[0].Headers)
	assert.Nil(t, jobs[0].Body)
}

func TestPostgresJobStore_UpdateSchedule(t *testing.T) {
	ctx := context.Background()
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := last.Add(time.Second)

	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE jobs SET last_run_at = \$2, next_run_at = \$3 WHERE id = \$1`).
		WithArgs("job-1", last, next).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET last_run_at`).
		WithArgs("missing", last, next).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.UpdateSchedule(ctx, "job-1", last, next))
	assert.True(t, errors.Is(s.UpdateSchedule(ctx, "missing", last, next), model.ErrNotFound))
}

func TestPostgresJobStore_UpdateFields(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("applies-patch-in-tx", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FROM jobs WHERE id = \$1 FOR UPDATE`).
			WithArgs("job-1").
			WillReturnRows(sqlmock.NewRows(testJobColumns).
				AddRow("job-1", "http://old", "GET", nil, nil, int64(1000), 0, int64(0), created, nil, nil, true))
		mock.ExpectExec(`UPDATE jobs SET url = \$2`).
			WithArgs("job-1", "http://new", "PUT", nil, nil, int64(1000), 3, int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		url := "http://new"
		method := "put"
		retries := 3
		j, err := s.UpdateFields(ctx, "job-1", model.JobPatch{URL: &url, Method: &method, MaxRetries: &retries})
		require.NoError(t, err)
		assert.Equal(t, "http://new", j.URL)
		assert.Equal(t, "PUT", j.Method)
		assert.Equal(t, 3, j.MaxRetries)
	})

	t.Run("not-found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE`).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(testJobColumns))
		mock.ExpectRollback()

		_, err := s.UpdateFields(ctx, "missing", model.JobPatch{})
		assert.True(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestPostgresJobStore_SetActiveNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE jobs SET active = \$2 WHERE id = \$1 RETURNING`).
		WithArgs("missing", false).
		WillReturnRows(sqlmock.NewRows(testJobColumns))

	_, err := s.SetActive(context.Background(), "missing", false)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPostgresJobStore_RunLogs(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(300 * time.Millisecond)

	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO run_logs`).
		WithArgs(sqlmock.AnyArg(), "job-1", started, finished, false, nil, "connection refused", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM run_logs WHERE job_id = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("job-1", 200).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_id", "started_at", "finished_at", "success", "status_code", "error_message", "attempt_count",
		}).
			AddRow("log-2", "job-1", finished, finished, true, int64(204), nil, 1).
			AddRow("log-1", "job-1", started, finished, false, nil, "connection refused", 3))

	msg := "connection refused"
	require.NoError(t, s.AppendRunLog(ctx, &model.RunLog{
		JobID:        "job-1",
		StartedAt:    started,
		FinishedAt:   finished,
		ErrorMessage: &msg,
		AttemptCount: 3,
	}))

	logs, err := s.ListRunLogs(ctx, "job-1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.NotNil(t, logs[0].StatusCode)
	assert.Equal(t, 204, *logs[0].StatusCode)
	assert.Nil(t, logs[0].ErrorMessage)
	assert.Nil(t, logs[1].StatusCode)
	require.NotNil(t, logs[1].ErrorMessage)
	assert.Equal(t, "connection refused", *logs[1].ErrorMessage)
	assert.Equal(t, 3, logs[1].AttemptCount)
}

func TestPostgresJobStore_AppendRunLogMissingJob(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO run_logs`).
		WillReturnError(&pq.Error{Code: foreignKeyViolation, Message: "violates foreign key constraint"})

	err := s.AppendRunLog(context.Background(), &model.RunLog{JobID: "gone", AttemptCount: 1})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
