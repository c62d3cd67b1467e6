// Package metrics exposes job and session counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leet"

// Recorder holds the collectors of one process. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	reg      *prometheus.Registry
	jobs     *prometheus.CounterVec
	targets  *prometheus.CounterVec
	attempts *prometheus.CounterVec
	sessions *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// New creates a recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs submitted, by plugin.",
		}, []string{"plugin"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Finished targets, by plugin and result.",
		}, []string{"plugin", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Session establishment attempts, by backend and result.",
		}, []string{"backend", "result"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Sessions currently open, by backend.",
		}, []string{"backend"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "target_duration_seconds",
			Help:      "Time from dispatch to outcome for one target.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"plugin"}),
	}
	r.reg.MustRegister(r.jobs, r.targets, r.attempts, r.sessions, r.duration)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Handler serves the recorder's metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RegisterMetrics registers the handler on mux at /metrics.
func (r *Recorder) RegisterMetrics(mux *http.ServeMux) {
	mux.Handle("/metrics", r.Handler())
}

// JobStarted counts a submitted job.
func (r *Recorder) JobStarted(plugin string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(plugin).Inc()
}

// TargetFinished records the outcome of one target. result is "ok" or a
// failure kind.
func (r *Recorder) TargetFinished(plugin, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.targets.WithLabelValues(plugin, result).Inc()
	r.duration.WithLabelValues(plugin).Observe(d.Seconds())
}

// ConnectAttempt records one OpenSession call.
func (r *Recorder) ConnectAttempt(backend string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.attempts.WithLabelValues(backend, result).Inc()
}

// SessionOpened increments the open session gauge.
func (r *Recorder) SessionOpened(backend string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(backend).Inc()
}

// SessionClosed decrements the open session gauge.
func (r *Recorder) SessionClosed(backend string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(backend).Dec()
}
