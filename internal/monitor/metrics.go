package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector saga and participant metrics. A nil collector records nothing.
type MetricsCollector struct {
	registry *prometheus.Registry

	// saga
	sagaTransitionTotal *prometheus.CounterVec
	sagaRetryTotal      *prometheus.CounterVec
	sagaStalled         *prometheus.GaugeVec

	// participants
	reservationTotal    *prometheus.CounterVec
	reservationDuration *prometheus.HistogramVec
	reaperCanceledTotal *prometheus.CounterVec
	reaperFailureTotal  *prometheus.CounterVec

	// outbox
	outboxPublishedTotal *prometheus.CounterVec
	outboxFailureTotal   *prometheus.CounterVec
	outboxPending        prometheus.Gauge

	// bus consumers
	consumerMessageTotal *prometheus.CounterVec

	// participant client
	breakerState       *prometheus.GaugeVec
	participantCallDur *prometheus.HistogramVec

	// http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	goroutineCount prometheus.Gauge
	memoryUsage    prometheus.Gauge
}

// NewMetricsCollector registers every metric on a private registry under namespace.
func NewMetricsCollector(namespace string) *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &MetricsCollector{
		registry: reg,

		sagaTransitionTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_transition_total",
			Help:      "Saga state transitions",
		}, []string{"from", "to"}),
		sagaRetryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_update_retry_total",
			Help:      "Optimistic saga update retries",
		}, []string{"reason"}),

		reservationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_operation_total",
			Help:      "Reservation protocol operations by outcome",
		}, []string{"kind", "operation", "outcome"}),
		reservationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_operation_duration_seconds",
			Help:      "Duration of reservation protocol operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "operation"}),
		reaperCanceledTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_canceled_total",
			Help:      "Orders whose expired reservations were canceled by the reaper",
		}, []string{"kind"}),
		reaperFailureTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_failure_total",
			Help:      "Orders the reaper failed to cancel",
		}, []string{"kind"}),

		outboxPublishedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries published to the bus",
		}, []string{"topic"}),
		outboxFailureTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failure_total",
			Help:      "Failed outbox publish attempts",
		}, []string{"topic"}),
		sagaStalled: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "saga_stalled",
			Help:      "In-flight sagas without progress past the stall threshold",
		}, []string{"status"}),
		outboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending",
			Help:      "Outbox entries waiting to be published",
		}),

		consumerMessageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_message_total",
			Help:      "Bus messages handled by result",
		}, []string{"topic", "result"}),

		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Participant circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"participant"}),
		participantCallDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "participant_call_duration_seconds",
			Help:      "Synchronous participant call duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"participant", "operation", "result"}),

		httpRequestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutine_count",
			Help:      "Number of goroutines",
		}),
		memoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Heap bytes allocated",
		}),
	}
}

// RecordSagaTransition counts a saga state change
func (mc *MetricsCollector) RecordSagaTransition(from, to string) {
	if mc == nil {
		return
	}
	mc.sagaTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordSagaRetry counts an optimistic update retry
func (mc *MetricsCollector) RecordSagaRetry(reason string) {
	if mc == nil {
		return
	}
	mc.sagaRetryTotal.WithLabelValues(reason).Inc()
}

// RecordReservation counts a reservation operation and its duration
func (mc *MetricsCollector) RecordReservation(kind, operation, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.reservationTotal.WithLabelValues(kind, operation, outcome).Inc()
	mc.reservationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordReaper counts reaper results for one sweep
func (mc *MetricsCollector) RecordReaper(kind string, canceled, failed int) {
	if mc == nil {
		return
	}
	mc.reaperCanceledTotal.WithLabelValues(kind).Add(float64(canceled))
	mc.reaperFailureTotal.WithLabelValues(kind).Add(float64(failed))
}

// RecordOutboxPublish counts one publish attempt
func (mc *MetricsCollector) RecordOutboxPublish(topic string, err error) {
	if mc == nil {
		return
	}
	if err != nil {
		mc.outboxFailureTotal.WithLabelValues(topic).Inc()
		return
	}
	mc.outboxPublishedTotal.WithLabelValues(topic).Inc()
}

// UpdateOutboxPending sets the pending gauge
func (mc *MetricsCollector) UpdateOutboxPending(n int64) {
	if mc == nil {
		return
	}
	mc.outboxPending.Set(float64(n))
}

// UpdateStalledSagas sets the stalled saga count of status
func (mc *MetricsCollector) UpdateStalledSagas(status string, n int) {
	if mc == nil {
		return
	}
	mc.sagaStalled.WithLabelValues(status).Set(float64(n))
}

// RecordConsumerMessage counts a handled bus message
func (mc *MetricsCollector) RecordConsumerMessage(topic, result string) {
	if mc == nil {
		return
	}
	mc.consumerMessageTotal.WithLabelValues(topic, result).Inc()
}

// UpdateBreakerState sets the breaker gauge of a participant
func (mc *MetricsCollector) UpdateBreakerState(participant string, state int) {
	if mc == nil {
		return
	}
	mc.breakerState.WithLabelValues(participant).Set(float64(state))
}

// RecordParticipantCall observes a synchronous participant call
func (mc *MetricsCollector) RecordParticipantCall(participant, operation, result string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.participantCallDur.WithLabelValues(participant, operation, result).Observe(duration.Seconds())
}

// RecordHTTPRequest 记录HTTP请求
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics samples runtime gauges
func (mc *MetricsCollector) UpdateSystemMetrics() {
	if mc == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.memoryUsage.Set(float64(m.Alloc))
	mc.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// StartSystemMetricsCollection samples runtime gauges until ctx is done
func (mc *MetricsCollector) StartSystemMetricsCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.UpdateSystemMetrics()
		}
	}
}

// Registry exposes the private registry
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the registry in the Prometheus text format
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}
