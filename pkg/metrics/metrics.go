package metrics

import (
	"time"
)

// Collector defines the interface for collecting settlement pipeline metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type Collector interface {
	// Reconciler
	RecordOutcome(provider, kind string, outcome Outcome, reason string, duration time.Duration)
	RecordRetry(reason string)

	// Provider gateway
	RecordProviderCall(provider, operation, result string, duration time.Duration)
	RecordCircuitState(provider string, state CircuitState)

	// Work queue
	RecordQueueDepth(queue string, depth int)
	RecordEnqueue(queue string, success bool)
	RecordEnqueueDropped(queue string)

	// Intake
	RecordIntake(kind string, accepted bool, reason string)
}

// Outcome is how the reconciler disposed of one delivery.
type Outcome string

const (
	// OutcomeCompleted means the transaction reached completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the transaction reached failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeDiscarded means the delivery was acknowledged without work
	// (already terminal or unknown transaction).
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeRetry means the delivery was handed back for redelivery.
	OutcomeRetry Outcome = "retry"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the provider has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of Collector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordOutcome does nothing.
func (NoOpCollector) RecordOutcome(provider, kind string, outcome Outcome, reason string, duration time.Duration) {
}

// RecordRetry does nothing.
func (NoOpCollector) RecordRetry(reason string) {}

// RecordProviderCall does nothing.
func (NoOpCollector) RecordProviderCall(provider, operation, result string, duration time.Duration) {
}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(provider string, state CircuitState) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(queue string, depth int) {}

// RecordEnqueue does nothing.
func (NoOpCollector) RecordEnqueue(queue string, success bool) {}

// RecordEnqueueDropped does nothing.
func (NoOpCollector) RecordEnqueueDropped(queue string) {}

// RecordIntake does nothing.
func (NoOpCollector) RecordIntake(kind string, accepted bool, reason string) {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
