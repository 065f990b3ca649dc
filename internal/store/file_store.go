package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Popie52/httpjobs/internal/model"
	"github.com/google/uuid"
)

// FileJobStore persists jobs and run logs as two JSON documents. Every write
// rewrites the whole file through a temp file and rename.
type FileJobStore struct {
	jobsPath    string
	runLogsPath string
	retain      int
	mu          sync.Mutex
}

func NewFileJobStore(jobsPath, runLogsPath string, retain int) *FileJobStore {
	if retain <= 0 {
		retain = DefaultRunLogRetain
	}
	return &FileJobStore{
		jobsPath:    jobsPath,
		runLogsPath: runLogsPath,
		retain:      retain,
	}
}

func (s *FileJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.jobsPath)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *FileJobStore) List(_ context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readJobs(s.jobsPath)
}

func (s *FileJobStore) ListActive(_ context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.jobsPath)
	if err != nil {
		return nil, err
	}
	active := make([]*model.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Active {
			active = append(active, j)
		}
	}
	return active, nil
}

func (s *FileJobStore) Insert(_ context.Context, job *model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.jobsPath)
	if err != nil {
		return nil, err
	}
	j := job.Clone()
	j.ID = uuid.NewString()
	jobs = append(jobs, j)
	if err := writeJSON(s.jobsPath, jobs); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

func (s *FileJobStore) UpdateSchedule(_ context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	_, err := s.mutate(id, func(j *model.Job) {
		j.LastRunAt = &lastRunAt
		j.NextRunAt = &nextRunAt
	})
	return err
}

func (s *FileJobStore) UpdateFields(_ context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	return s.mutate(id, patch.Apply)
}

func (s *FileJobStore) SetActive(_ context.Context, id string, active bool) (*model.Job, error) {
	return s.mutate(id, func(j *model.Job) { j.Active = active })
}

// mutate applies fn to the stored job with the given id and writes the file
// back.
func (s *FileJobStore) mutate(id string, fn func(*model.Job)) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.jobsPath)
	if err != nil {
		return nil, err
	}

	var found *model.Job
	for _, j := range jobs {
		if j.ID == id {
			found = j
			break
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}

	fn(found)
	if err := writeJSON(s.jobsPath, jobs); err != nil {
		return nil, err
	}
	return found.Clone(), nil
}

func (s *FileJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.jobsPath)
	if err != nil {
		return err
	}

	var newJobs []*model.Job
	for _, j := range jobs {
		if j.ID != id {
			newJobs = append(newJobs, j)
		}
	}
	if len(newJobs) == len(jobs) {
		return model.ErrNotFound
	}

	logs, err := readRunLogs(s.runLogsPath)
	if err != nil {
		return err
	}
	var newLogs []*model.RunLog
	for _, l := range logs {
		if l.JobID != id {
			newLogs = append(newLogs, l)
		}
	}

	if err := writeJSON(s.jobsPath, newJobs); err != nil {
		return err
	}
	return writeJSON(s.runLogsPath, newLogs)
}

func (s *FileJobStore) AppendRunLog(_ context.Context, log *model.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := readJobs(s.jobsPath)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(jobs, func(j *model.Job) bool { return j.ID == log.JobID }) {
		return model.ErrNotFound
	}

	logs, err := readRunLogs(s.runLogsPath)
	if err != nil {
		return err
	}

	l := *log
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	logs = append(logs, &l)
	return writeJSON(s.runLogsPath, trimRunLogs(logs, l.JobID, s.retain))
}

func (s *FileJobStore) ListRunLogs(_ context.Context, jobID string, limit int) ([]*model.RunLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, err := readRunLogs(s.runLogsPath)
	if err != nil {
		return nil, err
	}

	var own []*model.RunLog
	for _, l := range logs {
		if l.JobID == jobID {
			own = append(own, l)
		}
	}
	sort.SliceStable(own, func(a, b int) bool { return own[a].StartedAt.Before(own[b].StartedAt) })
	return newestFirst(own, normalizeLimit(limit)), nil
}

// trimRunLogs drops the oldest logs of jobID beyond retain.
func trimRunLogs(logs []*model.RunLog, jobID string, retain int) []*model.RunLog {
	count := 0
	for _, l := range logs {
		if l.JobID == jobID {
			count++
		}
	}
	drop := count - retain
	if drop <= 0 {
		return logs
	}

	out := make([]*model.RunLog, 0, len(logs)-drop)
	for _, l := range logs {
		if l.JobID == jobID && drop > 0 {
			drop--
			continue
		}
		out = append(out, l)
	}
	return out
}

// Helpers
func readJobs(path string) ([]*model.Job, error) {
	var jobs []*model.Job
	if err := readJSON(path, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func readRunLogs(path string) ([]*model.RunLog, error) {
	var logs []*model.RunLog
	if err := readJSON(path, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
