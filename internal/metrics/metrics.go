// Package metrics exposes Prometheus counters for fetch runs, strategy
// attempts and background removals.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixeloff/internal/media"
)

const namespace = "pixeloff"

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec   // strategy, outcome
	attemptDuration *prometheus.HistogramVec // strategy
	runs            *prometheus.CounterVec   // outcome, strategy
	runDuration     prometheus.Histogram
	inflight        prometheus.Gauge
	removals        *prometheus.CounterVec // model, outcome
	removalDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry together with the
// process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Strategy attempts by outcome (success, failure, cancelled)",
		}, []string{"strategy", "outcome"}),

		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single strategy attempt",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"strategy"}),

		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "runs_total",
			Help:      "Orchestration runs by outcome and winning strategy",
		}, []string{"outcome", "strategy"}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "run_duration_seconds",
			Help:      "Duration of a whole orchestration run including pauses",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "runs_inflight",
			Help:      "Orchestration runs currently in progress",
		}),

		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rembg",
			Name:      "removals_total",
			Help:      "Background removals by model and outcome",
		}, []string{"model", "outcome"}),

		removalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rembg",
			Name:      "removal_duration_seconds",
			Help:      "Duration of a background removal",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 180},
		}, []string{"model"}),
	}

	m.registry.MustRegister(
		m.attempts, m.attemptDuration,
		m.runs, m.runDuration, m.inflight,
		m.removals, m.removalDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveAttempt matches orchestrator.Observer.
func (m *Metrics) ObserveAttempt(_ media.FetchRequest, a media.Attempt) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(a.Strategy, attemptOutcome(a.Result)).Inc()
	m.attemptDuration.WithLabelValues(a.Strategy).Observe(a.Elapsed.Seconds())
}

func attemptOutcome(r media.Result) string {
	switch {
	case r.OK():
		return "success"
	case r.Reason() == media.ReasonCancelled, r.Reason() == media.ReasonNotStarted:
		return "cancelled"
	default:
		return "failure"
	}
}

// RunStarted bumps the in-flight gauge. Call the returned func when the run ends.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}

// ObserveRun records the outcome of a finished run.
func (m *Metrics) ObserveRun(out media.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	switch {
	case out.OK():
		m.runs.WithLabelValues("success", out.Strategy).Inc()
	case out.Attempts.Cancelled():
		m.runs.WithLabelValues("cancelled", "none").Inc()
	default:
		m.runs.WithLabelValues("exhausted", "none").Inc()
	}
	m.runDuration.Observe(d.Seconds())
}

// ObserveRemoval records one background removal.
func (m *Metrics) ObserveRemoval(model string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.removals.WithLabelValues(model, outcome).Inc()
	m.removalDuration.WithLabelValues(model).Observe(d.Seconds())
}
