package prometheus

import (
	"time"

	"wallet-settlement/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements metrics.Collector for Prometheus.
type Collector struct {
	namespace string

	// Reconciler
	outcomes       *prometheus.CounterVec
	retries        *prometheus.CounterVec
	settleDuration *prometheus.HistogramVec

	// Provider gateway
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	circuitOpens    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec

	// Work queue
	queueDepth *prometheus.GaugeVec
	enqueued   *prometheus.CounterVec
	dropped    *prometheus.CounterVec

	// Intake
	intake *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector.
func NewCollector(namespace string) *Collector {
	return &Collector{
		namespace: namespace,
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_processed_total",
				Help:      "Deliveries handled by the reconciler by outcome and failure reason",
			},
			[]string{"provider", "kind", "outcome", "reason"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciler_retries_total",
				Help:      "Deliveries handed back for redelivery, by cause",
			},
			[]string{"reason"},
		),
		settleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_duration_seconds",
				Help:      "Time spent reconciling one delivery",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			},
			[]string{"provider", "outcome"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider gateway calls by operation and result",
			},
			[]string{"provider", "operation", "result"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider gateway call latency",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
			},
			[]string{"provider", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per provider",
			},
			[]string{"provider"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Work items waiting to be dequeued",
			},
			[]string{"queue"},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueued_total",
				Help:      "Work items enqueued by status",
			},
			[]string{"queue", "status"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueue_dropped_total",
				Help:      "Work items rejected because the queue was full",
			},
			[]string{"queue"},
		),
		intake: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intake_requests_total",
				Help:      "Intake requests by kind and result",
			},
			[]string{"kind", "result", "reason"},
		),
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (c *Collector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.outcomes,
		c.retries,
		c.settleDuration,
		c.providerCalls,
		c.providerLatency,
		c.circuitOpens,
		c.circuitState,
		c.queueDepth,
		c.enqueued,
		c.dropped,
		c.intake,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordOutcome records how one delivery was disposed of.
func (c *Collector) RecordOutcome(provider, kind string, outcome metrics.Outcome, reason string, duration time.Duration) {
	c.outcomes.WithLabelValues(provider, kind, string(outcome), reason).Inc()
	c.settleDuration.WithLabelValues(provider, string(outcome)).Observe(duration.Seconds())
}

// RecordRetry records a delivery handed back for redelivery.
func (c *Collector) RecordRetry(reason string) {
	c.retries.WithLabelValues(reason).Inc()
}

// RecordProviderCall records a provider gateway call.
func (c *Collector) RecordProviderCall(provider, operation, result string, duration time.Duration) {
	c.providerCalls.WithLabelValues(provider, operation, result).Inc()
	c.providerLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (c *Collector) RecordCircuitState(provider string, state metrics.CircuitState) {
	c.circuitState.WithLabelValues(provider).Set(float64(state))
	if state == metrics.CircuitOpen {
		c.circuitOpens.WithLabelValues(provider).Inc()
	}
}

// RecordQueueDepth records the current queue depth.
func (c *Collector) RecordQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordEnqueue records an enqueue attempt.
func (c *Collector) RecordEnqueue(queue string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.enqueued.WithLabelValues(queue, status).Inc()
}

// RecordEnqueueDropped records an item rejected by back-pressure.
func (c *Collector) RecordEnqueueDropped(queue string) {
	c.dropped.WithLabelValues(queue).Inc()
}

// RecordIntake records an intake decision.
func (c *Collector) RecordIntake(kind string, accepted bool, reason string) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.intake.WithLabelValues(kind, result, reason).Inc()
}

var _ metrics.Collector = (*Collector)(nil)
