package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Popie52/httpjobs/internal/metrics"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/Popie52/httpjobs/internal/queue"
	"github.com/Popie52/httpjobs/internal/store"
	"github.com/sirupsen/logrus"
)

// refetchRetryDelay is how long the scheduler waits before trying again when
// the store cannot be read at fire time.
const refetchRetryDelay = 5 * time.Second

// Scheduler holds at most one pending wake per job id and runs a job when its
// wake fires. A wake carries only the job id; the job is read from the store
// at fire time so disables, deletes and updates made after arming are seen.
type Scheduler struct {
	store   store.JobStore
	runner  Runner
	clock   Clock
	log     logrus.FieldLogger
	metrics metrics.MetricsFn

	mu      sync.Mutex
	wakes   *queue.WakeQueue
	gen     uint64
	current map[string]uint64 // latest arm generation per job id
	running map[string]bool   // ids with a run in flight
	kick    chan struct{}

	// serializes state transitions of one job; never held across a run
	locks keyedMutex
	fires sync.WaitGroup
}

func NewScheduler(st store.JobStore, r Runner, log logrus.FieldLogger, m metrics.MetricsFn) *Scheduler {
	return &Scheduler{
		store:   st,
		runner:  r,
		clock:   realClock{},
		log:     log,
		metrics: m,
		wakes:   queue.NewWakeQueue(),
		current: make(map[string]uint64),
		running: make(map[string]bool),
		kick:    make(chan struct{}, 1),
	}
}

// Schedule arms a wake for an active job, replacing any wake it already has,
// or cancels the wake of an inactive one.
func (s *Scheduler) Schedule(job *model.Job) {
	unlock, _ := s.locks.Lock(context.Background(), job.ID)
	defer unlock()
	s.arm(job)
}

// Cancel removes the pending wake for id, if any.
func (s *Scheduler) Cancel(id string) {
	unlock, _ := s.locks.Lock(context.Background(), id)
	defer unlock()
	s.disarm(id)
}

// Running reports whether a run of id is in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// Pending returns the fire time of the wake armed for id.
func (s *Scheduler) Pending(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakes.Get(id)
	return w.At, ok
}

// Len is the number of pending wakes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakes.Len()
}

// withJob runs fn while holding the lock for job id. Waiting for the lock
// gives up when ctx ends.
func (s *Scheduler) withJob(ctx context.Context, id string, fn func() error) error {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// arm must be called with the job lock held.
func (s *Scheduler) arm(job *model.Job) {
	if !job.Active {
		s.disarm(job.ID)
		return
	}

	now := s.clock.Now()
	at := job.NextRun()
	if at.Before(now) {
		at = now
	}
	s.armAt(job.ID, at)

	s.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"delay":  at.Sub(now),
	}).Debug("wake armed")
}

func (s *Scheduler) armAt(id string, at time.Time) {
	s.mu.Lock()
	s.gen++
	s.current[id] = s.gen
	s.wakes.Set(queue.Wake{JobID: id, At: at, Gen: s.gen})
	s.metrics.SetPendingWakes(s.wakes.Len())
	s.mu.Unlock()

	s.notify()
}

// disarm must be called with the job lock held.
func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	removed := s.wakes.Remove(id)
	delete(s.current, id)
	if removed {
		s.metrics.SetPendingWakes(s.wakes.Len())
	}
	s.mu.Unlock()

	if removed {
		s.notify()
		s.log.WithField("job_id", id).Debug("wake cancelled")
	}
}

func (s *Scheduler) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run fires wakes as they come due until ctx ends, then waits for the runs
// it started.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.fires.Wait()

	for {
		s.mu.Lock()
		due := s.wakes.PopDue(s.clock.Now())
		next, hasNext := s.wakes.Next()
		if len(due) > 0 {
			s.metrics.SetPendingWakes(s.wakes.Len())
		}
		s.mu.Unlock()

		for _, w := range due {
			s.fires.Add(1)
			go func(w queue.Wake) {
				defer s.fires.Done()
				s.fire(ctx, w)
			}(w)
		}

		var (
			timer *time.Timer
			wait  <-chan time.Time
		)
		if hasNext {
			timer = time.NewTimer(max(0, next.At.Sub(s.clock.Now())))
			wait = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.kick:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, w queue.Wake) {
	job, ok := s.claim(ctx, w)
	if !ok {
		return
	}

	_, updated := s.runner.Run(ctx, job)
	s.finish(ctx, updated)
}

// claim checks that w is still the job's current wake, re-reads the job and
// marks it running. A wake that fires while a run is in flight is dropped;
// finish re-arms the job.
func (s *Scheduler) claim(ctx context.Context, w queue.Wake) (*model.Job, bool) {
	unlock, err := s.locks.Lock(ctx, w.JobID)
	if err != nil {
		return nil, false
	}
	defer unlock()

	log := s.log.WithField("job_id", w.JobID)

	s.mu.Lock()
	cur, ok := s.current[w.JobID]
	if !ok || cur != w.Gen {
		s.mu.Unlock()
		log.Debug("wake superseded")
		return nil, false
	}
	if s.running[w.JobID] {
		s.mu.Unlock()
		log.Debug("run in flight, wake dropped")
		return nil, false
	}
	delete(s.current, w.JobID)
	s.mu.Unlock()

	job, err := s.store.Get(ctx, w.JobID)
	if errors.Is(err, model.ErrNotFound) {
		log.Debug("job deleted before wake fired")
		return nil, false
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		log.WithError(err).Errorf("failed to load job, retrying in %s", refetchRetryDelay)
		s.armAt(w.JobID, s.clock.Now().Add(refetchRetryDelay))
		return nil, false
	}
	if !job.Active {
		log.Debug("job disabled before wake fired")
		return nil, false
	}

	s.mu.Lock()
	s.running[w.JobID] = true
	s.mu.Unlock()
	return job, true
}

// finish clears the running mark and re-arms the job from its new schedule,
// unless it was disabled or deleted while it ran.
func (s *Scheduler) finish(ctx context.Context, updated *model.Job) {
	unlock, _ := s.locks.Lock(context.Background(), updated.ID)
	defer unlock()

	s.mu.Lock()
	delete(s.running, updated.ID)
	s.mu.Unlock()

	log := s.log.WithField("job_id", updated.ID)

	cur, err := s.store.Get(context.WithoutCancel(ctx), updated.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.disarm(updated.ID)
		log.Debug("job deleted while running")
	case err != nil:
		log.WithError(err).Warn("failed to reload job after run, rescheduling from run result")
		s.arm(updated)
	case !cur.Active:
		s.disarm(updated.ID)
		log.Debug("job disabled while running")
	default:
		// the definition may have changed during the run; the schedule is the run's
		cur.LastRunAt = updated.LastRunAt
		cur.NextRunAt = updated.NextRunAt
		s.arm(cur)
	}
}

// keyedMutex is a set of mutexes created on demand per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sem  chan struct{}
	refs int
}

// Lock locks key and returns its unlock function. It fails with ctx's error
// if ctx ends first.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{sem: make(chan struct{}, 1)}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, m)
		return nil, ctx.Err()
	}

	return func() {
		<-m.sem
		k.release(key, m)
	}, nil
}

func (k *keyedMutex) release(key string, m *refMutex) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(k.locks, key)
	}
}
