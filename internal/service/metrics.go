package service

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports request and batch statistics to Prometheus. It implements
// TelemetryHooks so it can be attached to processors directly.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestsFailed  *prometheus.CounterVec
	inflight        *prometheus.GaugeVec
	requestLatency  *prometheus.HistogramVec
	batchesTotal    *prometheus.CounterVec
	batchSize       *prometheus.GaugeVec
	batchSizeHist   *prometheus.HistogramVec
	queueWait       *prometheus.HistogramVec
	inferenceTime   *prometheus.HistogramVec
	inferenceErrors *prometheus.CounterVec
	timeoutFlushes  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	inputDims       map[string]*prometheus.GaugeVec
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	m := &Metrics{registry: registry}

	m.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_counter",
			Help:      "Number of inference requests per model",
		},
		[]string{"model"},
	)
	m.requestsFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_failed_total",
			Help:      "Number of inference requests that returned an error",
		},
		[]string{"model"},
	)
	m.inflight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_requests_inflight",
			Help:      "Requests waiting for their batch result",
		},
		[]string{"model"},
	)
	m.requestLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_duration_seconds",
			Help:      "End to end latency of a submitted item",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	m.batchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_batches_total",
			Help:      "Number of dispatched batches",
		},
		[]string{"model", "flushed_by"},
	)
	m.batchSize = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_inference_batch_size",
			Help:      "Number of items in the last dispatched batch",
		},
		[]string{"model"},
	)
	m.batchSizeHist = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_inference_batch_items",
			Help:      "Distribution of dispatched batch sizes",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"model"},
	)
	m.queueWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_queue_wait_seconds",
			Help:      "Time the oldest item of a batch waited before dispatch",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
		},
		[]string{"model"},
	)
	m.inferenceTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_inference_duration_seconds",
			Help:      "Time spent in the backend per batch",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	m.inferenceErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_inference_errors_total",
			Help:      "Number of failed backend invocations",
		},
		[]string{"model", "error_type"},
	)
	m.timeoutFlushes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_inference_timeout_total",
			Help:      "Number of batches flushed by the flush timeout",
		},
		[]string{"model"},
	)
	m.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)
	m.httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	m.inputDims = map[string]*prometheus.GaugeVec{}
	for _, dim := range []string{"bands", "height", "width"} {
		m.inputDims[dim] = factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "input_" + dim,
				Help:      "Last observed input " + dim + " for rank 4 inputs",
			},
			[]string{"model"},
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRequestStart(model string) {
	m.requestsTotal.WithLabelValues(model).Inc()
	m.inflight.WithLabelValues(model).Inc()
}

func (m *Metrics) RecordRequestDone(model string, latency time.Duration, success bool) {
	m.inflight.WithLabelValues(model).Dec()
	m.requestLatency.WithLabelValues(model).Observe(latency.Seconds())
	if !success {
		m.requestsFailed.WithLabelValues(model).Inc()
	}
}

// RecordInputShape tracks the band/height/width of [N, C, H, W] inputs.
func (m *Metrics) RecordInputShape(model string, shape []int) {
	if len(shape) != 4 {
		return
	}
	m.inputDims["bands"].WithLabelValues(model).Set(float64(shape[1]))
	m.inputDims["height"].WithLabelValues(model).Set(float64(shape[2]))
	m.inputDims["width"].WithLabelValues(model).Set(float64(shape[3]))
}

func (m *Metrics) OnHTTPRequestStart(_ context.Context, _ string, _ string) {}

func (m *Metrics) OnHTTPRequestDone(
	_ context.Context,
	route string,
	_ string,
	statusCode int,
	duration time.Duration,
	_ error,
) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) OnDispatch(_ context.Context, event DispatchEvent) {
	m.batchesTotal.WithLabelValues(event.ModelID, string(event.FlushedBy)).Inc()
	m.batchSize.WithLabelValues(event.ModelID).Set(float64(event.BatchSize))
	m.batchSizeHist.WithLabelValues(event.ModelID).Observe(float64(event.BatchSize))
	m.queueWait.WithLabelValues(event.ModelID).Observe(event.QueueWait.Seconds())
	m.inferenceTime.WithLabelValues(event.ModelID).Observe(event.DispatchDuration.Seconds())
	if event.FlushedBy == FlushedByTimeout {
		m.timeoutFlushes.WithLabelValues(event.ModelID).Inc()
	}
}

func (m *Metrics) OnBackendFailure(_ context.Context, event FailureEvent) {
	m.inferenceErrors.WithLabelValues(event.ModelID, event.ErrorKind).Inc()
}
