// Package metrics holds the Prometheus collectors for backup runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "expensebackup"

// Pipeline stages timed by StageDuration.
const (
	StageFetch   = "fetch"
	StageArchive = "archive"
	StageUpload  = "upload"
	StageNotify  = "notify"
	StageCleanup = "cleanup"
)

// Collector is a prometheus.Collector for backup pipeline metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	runs               *prometheus.CounterVec
	failures           *prometheus.CounterVec
	attachmentFailures prometheus.Counter
	stageDuration      *prometheus.HistogramVec
	uploadedBytes      prometheus.Counter
	inFlight           prometheus.Gauge
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "runs_total",
				Help:      "Backup runs by terminal state.",
			}, []string{"outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failures_total",
				Help:      "Pipeline failures by error kind.",
			}, []string{"kind"},
		),
		attachmentFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "attachment_failures_total",
				Help:      "Records whose attachments were skipped after a fetch or write failure.",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			}, []string{"stage"},
		),
		uploadedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "uploaded_bytes_total",
				Help:      "Archive bytes uploaded to object storage.",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "runs_in_flight",
				Help:      "Backup runs currently executing in this process.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.runs.Describe(ch)
	c.failures.Describe(ch)
	c.attachmentFailures.Describe(ch)
	c.stageDuration.Describe(ch)
	c.uploadedBytes.Describe(ch)
	c.inFlight.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.runs.Collect(ch)
	c.failures.Collect(ch)
	c.attachmentFailures.Collect(ch)
	c.stageDuration.Collect(ch)
	c.uploadedBytes.Collect(ch)
	c.inFlight.Collect(ch)
}

func (c *Collector) RunFinished(outcome string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(outcome).Inc()
}

func (c *Collector) Failure(kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(kind).Inc()
}

func (c *Collector) AttachmentFailures(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.attachmentFailures.Add(float64(n))
}

// ObserveStage records the time elapsed since start for stage.
func (c *Collector) ObserveStage(stage string, start time.Time) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (c *Collector) Uploaded(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	c.uploadedBytes.Add(float64(bytes))
}

// RunStarted increments the in-flight gauge and returns the matching decrement.
func (c *Collector) RunStarted() func() {
	if c == nil {
		return func() {}
	}
	c.inFlight.Inc()
	return c.inFlight.Dec
}
