package reconciler

import (
	"fmt"
	"time"

	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
)

// Config configures the reconciler.
type Config struct {
	// ProviderTimeout bounds each settlement call (default: 10s)
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	// MaxAttempts is how many times a transient settlement failure is
	// tried within one delivery before the transaction fails with
	// provider_unavailable (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialBackoff is the wait after the first transient failure (default: 200ms)
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// MaxBackoff caps the wait between attempts (default: 2s)
	MaxBackoff time.Duration `mapstructure:"max_backoff"`

	// RetryDelay is how long a delivery handed back after an infrastructure
	// failure stays invisible (default: 5s)
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// PendingDelay is how long to wait before asking the provider again
	// about a settlement in progress (default: 30s)
	PendingDelay time.Duration `mapstructure:"pending_delay"`

	Metrics metrics.Collector `mapstructure:"-"`
	Logger  *logging.Logger   `mapstructure:"-"`
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		ProviderTimeout: 10 * time.Second,
		MaxAttempts:     3,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		RetryDelay:      5 * time.Second,
		PendingDelay:    30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("reconciler: provider timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("reconciler: max attempts must be at least 1")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("reconciler: backoff durations must not be negative")
	}
	if c.RetryDelay < 0 || c.PendingDelay < 0 {
		return fmt.Errorf("reconciler: retry delays must not be negative")
	}
	return nil
}

// LongestDelivery bounds how long Process can spend on one delivery
// talking to the provider: the status probe, every settlement attempt with
// the backoff between them, and the final probe.
func (c Config) LongestDelivery() time.Duration {
	attempts := time.Duration(c.MaxAttempts)
	return (attempts+2)*c.ProviderTimeout + (attempts-1)*c.MaxBackoff
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
