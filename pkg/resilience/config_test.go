package resilience

import (
	"testing"
	"time"

	metricsmemory "wallet-settlement/pkg/metrics/memory"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", config.Timeout)
	}

	if config.CircuitBreakerConfig.MaxRequests != 1 {
		t.Errorf("Expected MaxRequests 1, got %d", config.CircuitBreakerConfig.MaxRequests)
	}

	if config.CircuitBreakerConfig.Timeout != 30*time.Second {
		t.Errorf("Expected CB timeout 30s, got %v", config.CircuitBreakerConfig.Timeout)
	}

	if config.CircuitBreakerConfig.ReadyToTrip == nil {
		t.Fatal("Expected ReadyToTrip function to be set")
	}

	// Test ReadyToTrip function
	if config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 4}) {
		t.Error("Should not trip with 4 failures")
	}

	if !config.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 5}) {
		t.Error("Should trip with 5 failures")
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().WithTimeout(-time.Second).Validate(); err == nil {
		t.Error("Expected negative timeout to be rejected")
	}
	if err := DefaultConfig().WithCircuitBreakerTimeout(-time.Second).Validate(); err == nil {
		t.Error("Expected negative circuit breaker timeout to be rejected")
	}
}

func TestConfig_WithTimeout(t *testing.T) {
	config := DefaultConfig()
	newConfig := config.WithTimeout(2 * time.Second)

	if newConfig.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", newConfig.Timeout)
	}

	// Verify original is unchanged
	if config.Timeout != 10*time.Second {
		t.Errorf("Original config changed: got %v", config.Timeout)
	}
}

func TestConfig_WithCircuitBreakerTimeout(t *testing.T) {
	config := DefaultConfig()
	newConfig := config.WithCircuitBreakerTimeout(20 * time.Second)

	if newConfig.CircuitBreakerConfig.Timeout != 20*time.Second {
		t.Errorf("Expected CB timeout 20s, got %v", newConfig.CircuitBreakerConfig.Timeout)
	}

	// Verify original is unchanged
	if config.CircuitBreakerConfig.Timeout != 30*time.Second {
		t.Errorf("Original config changed: got %v", config.CircuitBreakerConfig.Timeout)
	}
}

func TestConfig_WithMetrics(t *testing.T) {
	collector := metricsmemory.NewCollector()
	config := DefaultConfig().WithMetrics(collector)

	if config.Metrics != collector {
		t.Error("Expected collector to be set")
	}
	if DefaultConfig().Metrics != nil {
		t.Error("Default config should not carry a collector")
	}
}
