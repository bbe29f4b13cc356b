// Package metrics exposes Prometheus metrics for reconciliation runs.
package metrics

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder registers and records modsync metrics.
type Recorder struct {
	once        sync.Once
	runDuration prom.Histogram
	runOutcome  *prom.CounterVec
	actions     *prom.CounterVec
	pendingOps  prom.Gauge
	registry    *prom.Registry
}

// NewRecorder constructs and registers Prometheus metrics (idempotent).
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{registry: reg}
	r.once.Do(func() {
		r.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "modsync",
			Name:      "run_duration_seconds",
			Help:      "Total reconciliation run duration",
			Buckets:   prom.DefBuckets,
		})
		r.runOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "modsync",
			Name:      "run_outcomes_total",
			Help:      "Reconciliation run outcomes by final status",
		}, []string{"outcome"})
		r.actions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "modsync",
			Name:      "actions_total",
			Help:      "Per-entity reconciliation actions by type and outcome",
		}, []string{"action", "outcome"})
		r.pendingOps = prom.NewGauge(prom.GaugeOpts{
			Namespace: "modsync",
			Name:      "pending_operations",
			Help:      "Deferred operations still awaiting resolution",
		})
		reg.MustRegister(r.runDuration, r.runOutcome, r.actions, r.pendingOps)
	})
	return r
}

// ObserveRun records one completed run.
func (r *Recorder) ObserveRun(seconds float64, outcome string) {
	r.runDuration.Observe(seconds)
	r.runOutcome.WithLabelValues(outcome).Inc()
}

// RecordAction counts one per-entity action.
func (r *Recorder) RecordAction(action, outcome string) {
	r.actions.WithLabelValues(action, outcome).Inc()
}

// SetPending publishes the current deferred-operation backlog.
func (r *Recorder) SetPending(n int) {
	r.pendingOps.Set(float64(n))
}

// Handler returns the /metrics HTTP handler for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
