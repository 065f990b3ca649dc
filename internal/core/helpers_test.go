package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Popie52/httpjobs/internal/caller"
	"github.com/Popie52/httpjobs/internal/logging"
	"github.com/Popie52/httpjobs/internal/metrics"
	"github.com/Popie52/httpjobs/internal/model"
	"github.com/Popie52/httpjobs/internal/store"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var errConnRefused = errors.New("dial tcp 127.0.0.1:9: connect: connection refused")

// fakeCaller records calls and answers through fn, which receives the
// 1-based call number.
type fakeCaller struct {
	mu    sync.Mutex
	reqs  []caller.Request
	times []time.Time
	fn    func(n int) (int, error)
}

func (c *fakeCaller) Perform(_ context.Context, req caller.Request) (int, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.times = append(c.times, time.Now())
	n := len(c.reqs)
	c.mu.Unlock()
	return c.fn(n)
}

func (c *fakeCaller) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *fakeCaller) callTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.times...)
}

func alwaysStatus(code int) func(int) (int, error) {
	return func(int) (int, error) { return code, nil }
}

func alwaysFail(int) (int, error) { return 0, errConnRefused }

// brokenStore fails every schedule write and log append.
type brokenStore struct {
	store.JobStore
}

func (brokenStore) UpdateSchedule(context.Context, string, time.Time, time.Time) error {
	return errors.New("database is down")
}

func (brokenStore) AppendRunLog(context.Context, *model.RunLog) error {
	return errors.New("database is down")
}

type engine struct {
	store     *store.MemoryJobStore
	caller    *fakeCaller
	executor  *Executor
	scheduler *Scheduler
	service   *Service
}

func newEngine(fn func(int) (int, error)) *engine {
	st := store.NewMemoryJobStore()
	c := &fakeCaller{fn: fn}
	log := logging.Discard()
	m := metrics.Nop{}

	ex := NewExecutor(st, c, log, m)
	sch := NewScheduler(st, ex, log, m)
	return &engine{
		store:     st,
		caller:    c,
		executor:  ex,
		scheduler: sch,
		service:   NewService(st, sch, log, m),
	}
}

func testSpec(interval time.Duration) model.JobSpec {
	return model.JobSpec{
		URL:      "http://example.test/hook",
		Method:   "post",
		Interval: interval,
	}
}
