// Package metrics exposes walk-forward progress as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/saltfish/wfsearch/internal/domain"
	"github.com/saltfish/wfsearch/internal/planner"
	"github.com/saltfish/wfsearch/internal/strategy"
)

// Metrics records strategy events and run lifecycle changes.
// It implements strategy.Observer and optimizer.RunHook.
type Metrics struct {
	registry *prometheus.Registry

	jobsDispatched   *prometheus.CounterVec
	results          *prometheus.CounterVec
	promotions       prometheus.Counter
	planningDuration prometheus.Histogram
	activeRuns       prometheus.Gauge
	runsFinished     *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go and process collectors,
// on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfsearch_jobs_dispatched_total",
				Help: "Total number of compute jobs dispatched",
			},
			[]string{"kind"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfsearch_results_total",
				Help: "Total number of job results pushed into strategies",
			},
			[]string{"outcome"},
		),
		promotions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wfsearch_promotions_total",
				Help: "Total number of parameter sets promoted to out-of-sample validation",
			},
		),
		planningDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wfsearch_planning_duration_seconds",
				Help:    "Time spent planning the iterations of a run",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wfsearch_active_runs",
				Help: "Number of runs currently in progress",
			},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wfsearch_runs_finished_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsDispatched,
		m.results,
		m.promotions,
		m.planningDuration,
		m.activeRuns,
		m.runsFinished,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) OnPlanned(_ uuid.UUID, _ []planner.Window, took time.Duration) {
	m.planningDuration.Observe(took.Seconds())
}

func (m *Metrics) OnDispatched(job *domain.Job) {
	m.jobsDispatched.WithLabelValues(job.Kind.String()).Inc()
}

func (m *Metrics) OnResult(_ uuid.UUID, _ int64, outcome strategy.ResultOutcome) {
	m.results.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) OnPromoted(*domain.Job, decimal.Decimal) {
	m.promotions.Inc()
}

func (m *Metrics) OnCompleted(uuid.UUID) {}

// RunStarted counts a run as active.
func (m *Metrics) RunStarted(*domain.Run) {
	m.activeRuns.Inc()
}

// RunFinished moves a run out of the active gauge.
func (m *Metrics) RunFinished(run *domain.Run) {
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(string(run.Status)).Inc()
}

var _ strategy.Observer = (*Metrics)(nil)
