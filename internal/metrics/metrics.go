package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll results and wait outcomes used as label values.
const (
	PollOK    = "ok"
	PollError = "error"

	WaitCompleted = "completed"
	WaitFailed    = "failed"
	WaitTimeout   = "timeout"
	WaitAborted   = "aborted"

	WaitPollerStopped = "poller_stopped"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	jobsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storops",
			Subsystem: "job",
			Name:      "tracked",
			Help:      "Number of job ids currently tracked by the poller.",
		},
	)
	pollerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "storops",
			Subsystem: "job",
			Name:      "poller_up",
			Help:      "1 while the job poller loop is running, 0 otherwise.",
		},
	)
	polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storops",
			Subsystem: "job",
			Name:      "polls_total",
			Help:      "Number of batched job queries by result.",
		}, []string{"result"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "storops",
			Subsystem: "job",
			Name:      "poll_duration_seconds",
			Help:      "Latency of one batched job query.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	waits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storops",
			Subsystem: "job",
			Name:      "waits_total",
			Help:      "Number of finished job waits by outcome.",
		}, []string{"outcome"},
	)
	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storops",
			Subsystem: "job",
			Name:      "wait_duration_seconds",
			Help:      "Time callers spent blocked waiting for a job.",
			Buckets:   []float64{1, 3, 10, 30, 60, 300, 900, 3600},
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{jobsTracked, pollerUp, polls, pollDuration, waits, waitDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SetTracked(n int) {
	if regOK.Load() {
		jobsTracked.Set(float64(n))
	}
}

func SetPollerUp(up bool) {
	if regOK.Load() {
		var v float64
		if up {
			v = 1
		}
		pollerUp.Set(v)
	}
}

func ObservePoll(result string, seconds float64) {
	if regOK.Load() {
		polls.WithLabelValues(result).Inc()
		pollDuration.Observe(seconds)
	}
}

func ObserveWait(outcome string, seconds float64) {
	if regOK.Load() {
		waits.WithLabelValues(outcome).Inc()
		waitDuration.WithLabelValues(outcome).Observe(seconds)
	}
}
