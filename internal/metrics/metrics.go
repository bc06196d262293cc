// Package metrics exposes engine and maintenance counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of one engine. It owns its registry
// so several collectors can coexist in tests. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	opDuration  *prometheus.HistogramVec
	jobs        *prometheus.CounterVec
	jobAffected *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// NewCollector creates a collector with every metric registered under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_jobs_total",
			Help:      "Maintenance job runs by kind and outcome.",
		}, []string{"job", "outcome"}),
		jobAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_rows_affected_total",
			Help:      "Rows changed by maintenance jobs.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_job_duration_seconds",
			Help:      "Maintenance job wall time.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
	}
	c.registry.MustRegister(c.operations, c.opDuration, c.jobs, c.jobAffected, c.jobDuration)
	return c
}

// ObserveOp records one engine operation.
func (c *Collector) ObserveOp(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(op, outcome(err)).Inc()
	c.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveJob records one maintenance job run.
func (c *Collector) ObserveJob(job string, affected int64, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(job, outcome(err)).Inc()
	c.jobAffected.WithLabelValues(job).Add(float64(affected))
	c.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
