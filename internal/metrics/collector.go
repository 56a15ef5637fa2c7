// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the server's metrics.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Generation metrics
	generationsTotal   *prometheus.CounterVec
	generationDuration prometheus.Histogram
	tokensUsed         *prometheus.CounterVec

	// Batching metrics
	batchSize     prometheus.Histogram
	batchDuration prometheus.Histogram
	batchesTotal  prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg. Pass a fresh
// registry in tests; prometheus.DefaultRegisterer in the server.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1, 5, 30, 120, 300},
		},
		[]string{"method", "path"},
	)

	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generation requests",
		},
		[]string{"status"}, // completed, failed
	)

	c.generationDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "End-to-end generation latency including queue wait",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	c.tokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens processed",
		},
		[]string{"type"}, // prompt, completion
	)

	c.batchSize = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of requests per dispatched batch",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16, 32},
		},
	)

	c.batchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Backend call duration per batch",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	c.batchesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of dispatched batches",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RegisterQueueDepth exposes the scheduler's queue depth as a gauge. The
// callback runs at scrape time.
func (c *Collector) RegisterQueueDepth(namespace string, reg prometheus.Registerer, depth func() float64) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting in the scheduler queue",
		},
		depth,
	)
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGeneration records one resolved generation request.
func (c *Collector) RecordGeneration(status string, duration time.Duration, promptTokens, completionTokens int) {
	c.generationsTotal.WithLabelValues(status).Inc()
	c.generationDuration.Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues("prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues("completion").Add(float64(completionTokens))
}

// RecordBatch records one dispatched batch. Wired into the scheduler via
// its batch observer hook.
func (c *Collector) RecordBatch(size int, duration time.Duration) {
	c.batchSize.Observe(float64(size))
	c.batchDuration.Observe(duration.Seconds())
	c.batchesTotal.Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
