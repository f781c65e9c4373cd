package metrics

import (
	"context"

	"github.com/cosims/nrt-orchestrator/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors shared by the orchestrator loops.
type Metrics struct {
	LoopTicks         *prometheus.CounterVec
	TickDuration      *prometheus.HistogramVec
	StatusTransitions *prometheus.CounterVec
	JobsCreated       *prometheus.CounterVec
	Workers           *prometheus.CounterVec
	Publications      *prometheus.CounterVec
}

// New registers the collectors on reg. Collectors already registered by
// another Metrics on the same registry are reused.
func New(reg prometheus.Registerer) *Metrics {
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	return &Metrics{
		LoopTicks: registerOrExisting(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_loop_ticks_total",
				Help: "Loop iterations by service and outcome.",
			},
			[]string{"service", "outcome"},
		)).(*prometheus.CounterVec),
		TickDuration: registerOrExisting(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_tick_duration_seconds",
				Help:    "Duration of one loop iteration.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"service"},
		)).(*prometheus.HistogramVec),
		StatusTransitions: registerOrExisting(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_status_transitions_total",
				Help: "Recorded job status changes.",
			},
			[]string{"job_type", "status"},
		)).(*prometheus.CounterVec),
		JobsCreated: registerOrExisting(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_jobs_created_total",
				Help: "Jobs inserted by the creation and configuration loops.",
			},
			[]string{"job_type"},
		)).(*prometheus.CounterVec),
		Workers: registerOrExisting(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_workers_total",
				Help: "Worker pool actions.",
			},
			[]string{"action"},
		)).(*prometheus.CounterVec),
		Publications: registerOrExisting(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_publications_total",
				Help: "Product publication attempts by outcome.",
			},
			[]string{"job_type", "outcome"},
		)).(*prometheus.CounterVec),
	}
}

// NewUnregistered returns collectors bound to a private registry.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// StatusChanged implements store.StatusListener.
func (m *Metrics) StatusChanged(_ context.Context, change store.StatusEvent) {
	m.StatusTransitions.WithLabelValues(string(change.JobType), change.Status.String()).Inc()
}
