// Package metrics collects and exposes runtime metrics in Prometheus
// format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the fluxion metric families. A nil *Collector is valid
// and records nothing, so callers never need to guard.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	handlerFailures *prometheus.CounterVec
	workerRestarts  *prometheus.CounterVec
	workerInflight  *prometheus.GaugeVec
}

// NewCollector builds and registers the metric families on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxion_requests_total",
			Help: "Total number of HTTP requests by method and status code",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fluxion_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxion_handler_failures_total",
			Help: "Total number of failed handler executions by protocol code",
		}, []string{"code"}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxion_worker_restarts_total",
			Help: "Total number of worker restarts by worker id",
		}, []string{"worker"}),
		workerInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fluxion_worker_inflight",
			Help: "Current number of in-flight requests by worker id",
		}, []string{"worker"}),
	}
	reg.MustRegister(c.requestsTotal, c.requestDuration, c.handlerFailures, c.workerRestarts, c.workerInflight)
	return c
}

// RecordRequest records one completed HTTP request.
func (c *Collector) RecordRequest(method string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// RecordHandlerFailure records a failed handler execution.
func (c *Collector) RecordHandlerFailure(code string) {
	if c == nil {
		return
	}
	if code == "" {
		code = "handler_error"
	}
	c.handlerFailures.WithLabelValues(code).Inc()
}

// RecordWorkerRestart records one worker restart.
func (c *Collector) RecordWorkerRestart(workerID string) {
	if c == nil {
		return
	}
	c.workerRestarts.WithLabelValues(workerID).Inc()
}

// SetWorkerInflight tracks a worker's current inflight count.
func (c *Collector) SetWorkerInflight(workerID string, inflight int) {
	if c == nil {
		return
	}
	c.workerInflight.WithLabelValues(workerID).Set(float64(inflight))
}
