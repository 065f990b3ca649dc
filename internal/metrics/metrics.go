package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsFn interface {
	IncJobsCreated()
	IncRunsSucceeded()
	IncRunsFailed()
	IncAttemptFailures()
	IncRetries()
	ObserveRun(d time.Duration)

	SetPendingWakes(n int)

	IncInflight()
	DecInflight()
}

type Metrics struct {
	registry *prometheus.Registry

	// counters
	jobsCreated     prometheus.Counter
	runs            *prometheus.CounterVec
	attemptFailures prometheus.Counter
	retries         prometheus.Counter

	// gauges
	pendingWakes prometheus.Gauge
	inflight     prometheus.Gauge

	runDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpjobs_jobs_created_total",
			Help: "Jobs created through the service.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "httpjobs_runs_total",
			Help: "Completed execution cycles by outcome.",
		}, []string{"result"}),
		attemptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpjobs_attempt_failures_total",
			Help: "Attempts that failed at the transport level.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "httpjobs_retries_total",
			Help: "Attempts made after a failed attempt.",
		}),
		pendingWakes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpjobs_pending_wakes",
			Help: "Wakes armed and not yet fired.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "httpjobs_runs_inflight",
			Help: "Execution cycles in progress.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "httpjobs_run_duration_seconds",
			Help:    "Wall time of an execution cycle including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.jobsCreated,
		m.runs,
		m.attemptFailures,
		m.retries,
		m.pendingWakes,
		m.inflight,
		m.runDuration,
	)
	return m
}

// counters
func (m *Metrics) IncJobsCreated()            { m.jobsCreated.Inc() }
func (m *Metrics) IncRunsSucceeded()          { m.runs.WithLabelValues("success").Inc() }
func (m *Metrics) IncRunsFailed()             { m.runs.WithLabelValues("failure").Inc() }
func (m *Metrics) IncAttemptFailures()        { m.attemptFailures.Inc() }
func (m *Metrics) IncRetries()                { m.retries.Inc() }
func (m *Metrics) ObserveRun(d time.Duration) { m.runDuration.Observe(d.Seconds()) }

// gauges
func (m *Metrics) SetPendingWakes(n int) { m.pendingWakes.Set(float64(n)) }

func (m *Metrics) IncInflight() { m.inflight.Inc() }
func (m *Metrics) DecInflight() { m.inflight.Dec() }

// Http handler

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Nop discards every observation.
type Nop struct{}

func (Nop) IncJobsCreated()          {}
func (Nop) IncRunsSucceeded()        {}
func (Nop) IncRunsFailed()           {}
func (Nop) IncAttemptFailures()      {}
func (Nop) IncRetries()              {}
func (Nop) ObserveRun(time.Duration) {}
func (Nop) SetPendingWakes(int)      {}
func (Nop) IncInflight()             {}
func (Nop) DecInflight()             {}
