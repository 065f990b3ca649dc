package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Popie52/httpjobs/internal/model"
	"github.com/google/uuid"
)

// MemoryJobStore keeps jobs and logs in process memory. Nothing survives a
// restart; it backs tests and the default "memory" driver.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	logs map[string][]*model.RunLog
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*model.Job),
		logs: make(map[string][]*model.RunLog),
	}
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryJobStore) List(_ context.Context) ([]*model.Job, error) {
	return s.filter(func(*model.Job) bool { return true }), nil
}

func (s *MemoryJobStore) ListActive(_ context.Context) ([]*model.Job, error) {
	return s.filter(func(j *model.Job) bool { return j.Active }), nil
}

func (s *MemoryJobStore) filter(keep func(*model.Job) bool) []*model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (s *MemoryJobStore) Insert(_ context.Context, job *model.Job) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := job.Clone()
	j.ID = uuid.NewString()
	s.jobs[j.ID] = j
	return j.Clone(), nil
}

func (s *MemoryJobStore) UpdateSchedule(_ context.Context, id string, lastRunAt, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	j.LastRunAt = &lastRunAt
	j.NextRunAt = &nextRunAt
	return nil
}

func (s *MemoryJobStore) UpdateFields(_ context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	patch.Apply(j)
	return j.Clone(), nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.logs, id)
	return nil
}

func (s *MemoryJobStore) SetActive(_ context.Context, id string, active bool) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	j.Active = active
	return j.Clone(), nil
}

func (s *MemoryJobStore) AppendRunLog(_ context.Context, log *model.RunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[log.JobID]; !ok {
		return model.ErrNotFound
	}

	l := *log
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	s.logs[l.JobID] = append(s.logs[l.JobID], &l)
	return nil
}

func (s *MemoryJobStore) ListRunLogs(_ context.Context, jobID string, limit int) ([]*model.RunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.logs[jobID], normalizeLimit(limit)), nil
}

// newestFirst copies up to limit logs from an append-ordered slice in
// reverse order.
func newestFirst(logs []*model.RunLog, limit int) []*model.RunLog {
	out := make([]*model.RunLog, 0, min(limit, len(logs)))
	for i := len(logs) - 1; i >= 0 && len(out) < limit; i-- {
		l := *logs[i]
		out = append(out, &l)
	}
	return out
}
