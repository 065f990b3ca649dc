package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Popie52/httpjobs/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// foreignKeyViolation is the SQLSTATE of a run log whose job is gone.
const foreignKeyViolation = "23503"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	method         TEXT NOT NULL,
	headers        JSONB,
	body           JSONB,
	interval_ms    BIGINT NOT NULL,
	max_retries    INTEGER NOT NULL,
	retry_delay_ms BIGINT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	last_run_at    TIMESTAMPTZ,
	next_run_at    TIMESTAMPTZ,
	active         BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS run_logs (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	success       BOOLEAN NOT NULL,
	status_code   INTEGER,
	error_message TEXT,
	attempt_count INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS run_logs_job_started_idx ON run_logs (job_id, started_at DESC);
`

const jobColumns = `
			id,
			url,
			method,
			headers,
			body,
			interval_ms,
			max_retries,
			retry_delay_ms,
			created_at,
			last_run_at,
			next_run_at,
			active`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresJobStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j          model.Job
		headers    []byte
		body       []byte
		intervalMs int64
		delayMs    int64
		lastRunAt  sql.NullTime
		nextRunAt  sql.NullTime
	)

	if err := row.Scan(
		&j.ID,
		&j.URL,
		&j.Method,
		&headers,
		&body,
		&intervalMs,
		&j.MaxRetries,
		&delayMs,
		&j.CreatedAt,
		&lastRunAt,
		&nextRunAt,
		&j.Active,
	); err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &j.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of job %s: %w", j.ID, err)
		}
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &j.Body); err != nil {
			return nil, fmt.Errorf("decode body of job %s: %w", j.ID, err)
		}
	}
	j.Interval = time.Duration(intervalMs) * time.Millisecond
	j.RetryDelay = time.Duration(delayMs) * time.Millisecond
	if lastRunAt.Valid {
		t := lastRunAt.Time
		j.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		j.NextRunAt = &t
	}
	return &j, nil
}

// jsonParam encodes v for a JSONB column. lib/pq sends []byte as bytea, so
// the document goes out as text; a nil value maps to NULL.
func jsonParam(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
	`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return j, err
}

func (s *PostgresJobStore) List(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at
	`)
}

func (s *PostgresJobStore) ListActive(ctx context.Context) ([]*model.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE active
		ORDER BY created_at
	`)
}

func (s *PostgresJobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (s *PostgresJobStore) Insert(ctx context.Context, job *model.Job) (*model.Job, error) {
	j := job.Clone()
	j.ID = uuid.NewString()

	headers, err := jsonParam(j.Headers, j.Headers == nil)
	if err != nil {
		return nil, err
	}
	body, err := jsonParam(j.Body, j.Body == nil)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		j.ID,
		j.URL,
		j.Method,
		headers,
		body,
		j.Interval.Milliseconds(),
		j.MaxRetries,
		j.RetryDelay.Milliseconds(),
		j.CreatedAt,
		nullTime(j.LastRunAt),
		nullTime(j.NextRunAt),
		j.Active,
	)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresJobStore) UpdateSchedule(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET last_run_at = $2, next_run_at = $3
		WHERE id = $1
	`, id, lastRunAt, nextRunAt)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *PostgresJobStore) UpdateFields(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
		FOR UPDATE
	`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, model.ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	patch.Apply(j)

	headers, err := jsonParam(j.Headers, j.Headers == nil)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	body, err := jsonParam(j.Body, j.Body == nil)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET url = $2,
			method = $3,
			headers = $4,
			body = $5,
			interval_ms = $6,
			max_retries = $7,
			retry_delay_ms = $8
		WHERE id = $1
	`,
		j.ID,
		j.URL,
		j.Method,
		headers,
		body,
		j.Interval.Milliseconds(),
		j.MaxRetries,
		j.RetryDelay.Milliseconds(),
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *PostgresJobStore) SetActive(ctx context.Context, id string, active bool) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET active = $2
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, id, active)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return j, err
}

func (s *PostgresJobStore) AppendRunLog(ctx context.Context, log *model.RunLog) error {
	id := log.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (
			id,
			job_id,
			started_at,
			finished_at,
			success,
			status_code,
			error_message,
			attempt_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		id,
		log.JobID,
		log.StartedAt,
		log.FinishedAt,
		log.Success,
		nullInt(log.StatusCode),
		nullString(log.ErrorMessage),
		log.AttemptCount,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return model.ErrNotFound
	}
	return err
}

func (s *PostgresJobStore) ListRunLogs(ctx context.Context, jobID string, limit int) ([]*model.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id,
			job_id,
			started_at,
			finished_at,
			success,
			status_code,
			error_message,
			attempt_count
		FROM run_logs
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, jobID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*model.RunLog{}
	for rows.Next() {
		var (
			l          model.RunLog
			statusCode sql.NullInt64
			errMsg     sql.NullString
		)
		if err := rows.Scan(
			&l.ID,
			&l.JobID,
			&l.StartedAt,
			&l.FinishedAt,
			&l.Success,
			&statusCode,
			&errMsg,
			&l.AttemptCount,
		); err != nil {
			return nil, err
		}
		if statusCode.Valid {
			code := int(statusCode.Int64)
			l.StatusCode = &code
		}
		if errMsg.Valid {
			msg := errMsg.String
			l.ErrorMessage = &msg
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
