// Package metrics exposes job lifecycle counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is safe to use as a nil pointer; every method is then a no-op.
type Collector struct {
	submissions *prometheus.CounterVec
	finished    *prometheus.CounterVec
	polls       *prometheus.CounterVec
	bytes       prometheus.Counter
	duration    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

// NewCollector registers the job metrics on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submissions_total",
			Help:      "Submission attempts by result",
		}, []string{"result"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"state"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_polls_total",
			Help:      "Provider status polls by result",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Bytes of committed artifacts",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job creation to terminal state",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs with a running polling task",
		}),
	}
	reg.MustRegister(c.submissions, c.finished, c.polls, c.bytes, c.duration, c.inFlight)
	return c
}

func (c *Collector) Submitted(result string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(result).Inc()
}

func (c *Collector) Polled(result string) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(result).Inc()
}

func (c *Collector) Finished(state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(state).Inc()
	c.duration.WithLabelValues(state).Observe(elapsed.Seconds())
}

func (c *Collector) ArtifactStored(size int64) {
	if c == nil {
		return
	}
	c.bytes.Add(float64(size))
}

func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

func (c *Collector) TaskStopped() {
	if c == nil {
		return
	}
	c.inFlight.Dec()
}
