// ============================================================================
// ipcpool - Inter-Process Worker Pool
// ============================================================================
//
// Package:     metrics
// Description: Prometheus collectors for calls, attempts, recycles and pool
// Author:      Mike Stoffels
// Created:     2026-10-19
// License:     MIT
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msto63/ipcpool/internal/ipc/engine"
	"github.com/msto63/ipcpool/internal/ipc/pool"
)

// Namespace prefixes every metric name
const Namespace = "ipcpool"

// Collector records engine activity. It implements engine.Recorder.
type Collector struct {
	Attempts        *prometheus.CounterVec
	Calls           *prometheus.CounterVec
	Recycles        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
	CallDuration    *prometheus.HistogramVec
	CallAttempts    prometheus.Histogram
}

// NewCollector creates the collectors and registers them with reg
func NewCollector(reg prometheus.Registerer, label string) *Collector {
	constLabels := prometheus.Labels{"vo": label}

	c := &Collector{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "attempts_total",
			Help:        "Round trips by method and classification",
			ConstLabels: constLabels,
		}, []string{"method", "class"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "calls_total",
			Help:        "Completed invocations by method and final classification",
			ConstLabels: constLabels,
		}, []string{"method", "class"}),
		Recycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   Namespace,
			Name:        "recycles_total",
			Help:        "Workers recycled by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "attempt_duration_seconds",
			Help:        "Round trip latency by method",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "call_duration_seconds",
			Help:        "Invocation latency including retries by method",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		CallAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   Namespace,
			Name:        "call_attempts",
			Help:        "Attempts needed per invocation",
			ConstLabels: constLabels,
			Buckets:     []float64{1, 2, 3, 5, 10},
		}),
	}

	reg.MustRegister(
		c.Attempts,
		c.Calls,
		c.Recycles,
		c.AttemptDuration,
		c.CallDuration,
		c.CallAttempts,
	)
	return c
}

// ObserveAttempt implements engine.Recorder
func (c *Collector) ObserveAttempt(method string, class engine.Class, d time.Duration) {
	c.Attempts.WithLabelValues(method, class.String()).Inc()
	c.AttemptDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveCall implements engine.Recorder
func (c *Collector) ObserveCall(method string, class engine.Class, attempts int, d time.Duration) {
	c.Calls.WithLabelValues(method, class.String()).Inc()
	c.CallDuration.WithLabelValues(method).Observe(d.Seconds())
	c.CallAttempts.Observe(float64(attempts))
}

// ObserveRecycle implements engine.Recorder
func (c *Collector) ObserveRecycle(reason string) {
	c.Recycles.WithLabelValues(reason).Inc()
}

// RegisterPool exports the pool's occupancy as gauges read at scrape time
func RegisterPool(reg prometheus.Registerer, label string, p *pool.Pool) {
	constLabels := prometheus.Labels{"vo": label}
	gauge := func(name, help string, value func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   Namespace,
			Subsystem:   "pool",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, func() float64 { return float64(value()) })
	}

	reg.MustRegister(
		gauge("capacity", "Configured number of workers", p.Capacity),
		gauge("workers", "Workers in circulation", p.Size),
		gauge("idle", "Workers waiting in the queue", p.Idle),
		gauge("checked_out", "Workers currently serving a call", p.CheckedOut),
	)
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
