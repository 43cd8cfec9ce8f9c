// Package metrics exposes job lifecycle and queue instrumentation in
// Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine's metrics. A nil *Collector is a valid no-op
// receiver so wiring metrics stays optional in tests.
type Collector struct {
	jobsCreated   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobDuration   prometheus.Histogram
	queueDepth    *prometheus.GaugeVec
	subscribers   prometheus.Gauge
}

// NewCollector creates and registers the collector on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studio_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studio_job_duration_seconds",
			Help:    "Time from job start to terminal state in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "studio_queue_depth",
			Help: "Pending payloads per dispatch lane",
		}, []string{"lane"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "studio_stream_subscribers",
			Help: "Currently connected live-stream listeners",
		}),
	}

	reg.MustRegister(
		c.jobsCreated,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobDuration,
		c.queueDepth,
		c.subscribers,
	)

	return c
}

func (c *Collector) JobCreated() {
	if c == nil {
		return
	}
	c.jobsCreated.Inc()
}

func (c *Collector) JobCompleted(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

func (c *Collector) JobFailed(durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

func (c *Collector) JobCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

func (c *Collector) SetQueueDepth(lane string, depth float64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(lane).Set(depth)
}

func (c *Collector) SubscriberConnected() {
	if c == nil {
		return
	}
	c.subscribers.Inc()
}

func (c *Collector) SubscriberDisconnected() {
	if c == nil {
		return
	}
	c.subscribers.Dec()
}
