package memory

import (
	"sync"
	"time"

	"wallet-settlement/pkg/metrics"
)

// Collector implements metrics.Collector in memory, for tests.
type Collector struct {
	mu sync.RWMutex

	outcomes  map[metrics.Outcome]int64
	reasons   map[string]int64
	retries   map[string]int64
	providers map[string]*ProviderMetrics
	queues    map[string]*QueueMetrics
	accepted  int64
	rejected  map[string]int64
}

// ProviderMetrics holds metrics for a single provider.
type ProviderMetrics struct {
	Calls         int64
	CallsByResult map[string]int64
	Latencies     []time.Duration

	CircuitState metrics.CircuitState
	CircuitOpens int64
}

// QueueMetrics holds metrics for a single queue.
type QueueMetrics struct {
	Depth    int
	Enqueued int64
	Errors   int64
	Dropped  int64
}

// NewCollector creates a new in-memory metrics collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

func (c *Collector) provider(name string) *ProviderMetrics {
	pm, ok := c.providers[name]
	if !ok {
		pm = &ProviderMetrics{CallsByResult: make(map[string]int64)}
		c.providers[name] = pm
	}
	return pm
}

func (c *Collector) queue(name string) *QueueMetrics {
	qm, ok := c.queues[name]
	if !ok {
		qm = &QueueMetrics{}
		c.queues[name] = qm
	}
	return qm
}

// RecordOutcome records how one delivery was disposed of.
func (c *Collector) RecordOutcome(provider, kind string, outcome metrics.Outcome, reason string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes[outcome]++
	if reason != "" {
		c.reasons[reason]++
	}
}

// RecordRetry records a delivery handed back for redelivery.
func (c *Collector) RecordRetry(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retries[reason]++
}

// RecordProviderCall records a provider gateway call.
func (c *Collector) RecordProviderCall(provider, operation, result string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pm := c.provider(provider)
	pm.Calls++
	pm.CallsByResult[result]++
	pm.Latencies = append(pm.Latencies, duration)
}

// RecordCircuitState records the current circuit breaker state.
func (c *Collector) RecordCircuitState(provider string, state metrics.CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pm := c.provider(provider)
	// Count transitions to open
	if pm.CircuitState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		pm.CircuitOpens++
	}
	pm.CircuitState = state
}

// RecordQueueDepth records the current queue depth.
func (c *Collector) RecordQueueDepth(queue string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue(queue).Depth = depth
}

// RecordEnqueue records an enqueue attempt.
func (c *Collector) RecordEnqueue(queue string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	qm := c.queue(queue)
	if success {
		qm.Enqueued++
	} else {
		qm.Errors++
	}
}

// RecordEnqueueDropped records an item rejected by back-pressure.
func (c *Collector) RecordEnqueueDropped(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue(queue).Dropped++
}

// RecordIntake records an intake decision.
func (c *Collector) RecordIntake(kind string, accepted bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if accepted {
		c.accepted++
		return
	}
	c.rejected[reason]++
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Outcomes  map[metrics.Outcome]int64
	Reasons   map[string]int64
	Retries   map[string]int64
	Providers map[string]ProviderMetrics
	Queues    map[string]QueueMetrics
	Accepted  int64
	Rejected  map[string]int64
}

// Snapshot returns a copy of the current metrics state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Outcomes:  make(map[metrics.Outcome]int64, len(c.outcomes)),
		Reasons:   make(map[string]int64, len(c.reasons)),
		Retries:   make(map[string]int64, len(c.retries)),
		Providers: make(map[string]ProviderMetrics, len(c.providers)),
		Queues:    make(map[string]QueueMetrics, len(c.queues)),
		Accepted:  c.accepted,
		Rejected:  make(map[string]int64, len(c.rejected)),
	}
	for k, v := range c.outcomes {
		s.Outcomes[k] = v
	}
	for k, v := range c.reasons {
		s.Reasons[k] = v
	}
	for k, v := range c.retries {
		s.Retries[k] = v
	}
	for k, v := range c.rejected {
		s.Rejected[k] = v
	}
	for k, pm := range c.providers {
		cp := *pm
		cp.CallsByResult = make(map[string]int64, len(pm.CallsByResult))
		for r, n := range pm.CallsByResult {
			cp.CallsByResult[r] = n
		}
		cp.Latencies = append([]time.Duration(nil), pm.Latencies...)
		s.Providers[k] = cp
	}
	for k, qm := range c.queues {
		s.Queues[k] = *qm
	}
	return s
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcomes = make(map[metrics.Outcome]int64)
	c.reasons = make(map[string]int64)
	c.retries = make(map[string]int64)
	c.providers = make(map[string]*ProviderMetrics)
	c.queues = make(map[string]*QueueMetrics)
	c.accepted = 0
	c.rejected = make(map[string]int64)
}

var _ metrics.Collector = (*Collector)(nil)
