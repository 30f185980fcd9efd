package resilience

import (
	"fmt"
	"time"

	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
)

// Config configures resilience features for a provider gateway.
type Config struct {
	// Timeout bounds every provider call
	Timeout time.Duration `mapstructure:"timeout"`

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	Metrics metrics.Collector `mapstructure:"-"`
	Logger  *logging.Logger   `mapstructure:"-"`
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 1
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears. Default: 60s
	Interval time.Duration `mapstructure:"interval"`

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration `mapstructure:"timeout"`

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If ReadyToTrip returns true, the CircuitBreaker will be placed into the open state.
	// If nil, default threshold is used (5 consecutive failures).
	ReadyToTrip func(counts Counts) bool `mapstructure:"-"`
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultConfig returns sensible defaults for a provider gateway.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("resilience: timeout must not be negative")
	}
	if c.CircuitBreakerConfig.Timeout < 0 || c.CircuitBreakerConfig.Interval < 0 {
		return fmt.Errorf("resilience: circuit breaker durations must not be negative")
	}
	return nil
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c Config) WithTimeout(timeout time.Duration) Config {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c Config) WithCircuitBreakerTimeout(timeout time.Duration) Config {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}

// WithMetrics returns a copy of the config reporting to collector.
func (c Config) WithMetrics(collector metrics.Collector) Config {
	c.Metrics = collector
	return c
}

// WithLogger returns a copy of the config logging to logger.
func (c Config) WithLogger(logger *logging.Logger) Config {
	c.Logger = logger
	return c
}
