package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/metrics"
	metricsmemory "wallet-settlement/pkg/metrics/memory"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/mock"
)

func testRequest() provider.Request {
	return provider.Request{TransactionID: 1, Kind: ledger.KindDeposit}
}

func aggressiveConfig() Config {
	return Config{
		Timeout: 1 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    0,
			Timeout:     100 * time.Millisecond,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		},
	}
}

func TestNew(t *testing.T) {
	config := DefaultConfig()
	g := New(mock.NewGateway("chapa"), config)

	if g.Name() != "chapa" {
		t.Errorf("Expected name 'chapa', got '%s'", g.Name())
	}
	if g.timeout != config.Timeout {
		t.Errorf("Expected timeout %v, got %v", config.Timeout, g.timeout)
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Expected closed circuit, got %s", g.State())
	}
	if _, ok := g.Unwrap().(*mock.Gateway); !ok {
		t.Error("Unwrap should return the wrapped gateway")
	}
}

func TestGateway_Success(t *testing.T) {
	collector := metricsmemory.NewCollector()
	inner := mock.NewGateway("chapa")
	g := New(inner, DefaultConfig().WithMetrics(collector))
	ctx := context.Background()

	res, err := g.SettleDeposit(ctx, testRequest())
	if err != nil {
		t.Fatalf("SettleDeposit failed: %v", err)
	}
	if res.Status != provider.StatusSucceeded || res.ExternalRef != "MAH-1" {
		t.Errorf("Unexpected result %+v", res)
	}
	if _, err := g.SettleWithdraw(ctx, testRequest()); err != nil {
		t.Fatalf("SettleWithdraw failed: %v", err)
	}
	if _, err := g.Status(ctx, testRequest()); err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if inner.DepositCalls() != 1 || inner.WithdrawCalls() != 1 || inner.StatusCalls() != 1 {
		t.Error("Expected each call to reach the provider once")
	}

	pm := collector.Snapshot().Providers["chapa"]
	if pm.Calls != 3 {
		t.Errorf("Expected 3 recorded calls, got %d", pm.Calls)
	}
	if pm.CallsByResult["succeeded"] != 2 || pm.CallsByResult["not_found"] != 1 {
		t.Errorf("Unexpected results %v", pm.CallsByResult)
	}
}

func TestGateway_Timeout(t *testing.T) {
	slow := mock.NewGateway("slow")
	slow.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return provider.Result{Status: provider.StatusSucceeded}, nil
		case <-ctx.Done():
			return provider.Result{}, ctx.Err()
		}
	}

	g := New(slow, aggressiveConfig().WithTimeout(50*time.Millisecond))

	_, err := g.SettleDeposit(context.Background(), testRequest())
	if !IsTimeout(err) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if provider.IsPermanent(err) {
		t.Error("Timeouts must be transient")
	}
}

func TestGateway_CircuitBreaker(t *testing.T) {
	collector := metricsmemory.NewCollector()
	failing := mock.NewGateway("failing")
	failing.SettleWithdrawFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{}, mock.ErrProviderDown
	}

	g := New(failing, aggressiveConfig().WithMetrics(collector))
	ctx := context.Background()

	// First 3 calls should fail and count toward circuit breaker
	for i := 0; i < 3; i++ {
		_, err := g.SettleWithdraw(ctx, testRequest())
		if err == nil {
			t.Errorf("Call %d should have failed", i)
		}
		if IsCircuitOpen(err) {
			t.Errorf("Circuit should not be open yet on call %d", i)
		}
	}

	// Next call should be rejected by circuit breaker
	_, err := g.SettleWithdraw(ctx, testRequest())
	if !IsCircuitOpen(err) {
		t.Errorf("Expected circuit open error, got %v", err)
	}
	if provider.IsPermanent(err) {
		t.Error("An open circuit must be transient")
	}
	if failing.WithdrawCalls() != 3 {
		t.Errorf("Open circuit should not reach the provider, got %d calls", failing.WithdrawCalls())
	}
	if g.State() != metrics.CircuitOpen {
		t.Errorf("Expected open state, got %s", g.State())
	}

	pm := collector.Snapshot().Providers["failing"]
	if pm.CircuitOpens != 1 || pm.CallsByResult["circuit_open"] != 1 {
		t.Errorf("Unexpected provider metrics %+v", pm)
	}

	// Wait for circuit to go to half-open, then recover
	time.Sleep(150 * time.Millisecond)
	failing.SettleWithdrawFunc = nil

	if _, err := g.SettleWithdraw(ctx, testRequest()); err != nil {
		t.Fatalf("Half-open probe should reach the recovered provider: %v", err)
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Expected closed state after recovery, got %s", g.State())
	}
}

func TestGateway_PermanentErrorsDoNotTripCircuit(t *testing.T) {
	rejecting := mock.NewGateway("rejecting")
	rejecting.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{}, provider.Permanent(errors.New("invalid account"))
	}

	g := New(rejecting, aggressiveConfig())
	ctx := context.Background()

	// Rejections are the provider answering, not the provider failing
	for i := 0; i < 20; i++ {
		_, err := g.SettleDeposit(ctx, testRequest())
		if IsCircuitOpen(err) {
			t.Fatalf("Circuit opened after %d rejections", i+1)
		}
		if !provider.IsPermanent(err) {
			t.Fatalf("Expected the permanent error to pass through, got %v", err)
		}
	}
	if rejecting.DepositCalls() != 20 {
		t.Errorf("Expected 20 provider calls, got %d", rejecting.DepositCalls())
	}
}

func TestGateway_FailedResultIsNotAnError(t *testing.T) {
	declining := mock.NewGateway("declining")
	declining.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusFailed, Reason: "declined"}, nil
	}

	g := New(declining, aggressiveConfig())
	for i := 0; i < 5; i++ {
		res, err := g.SettleDeposit(context.Background(), testRequest())
		if err != nil || res.Reason != "declined" {
			t.Fatalf("Unexpected result %+v %v", res, err)
		}
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Declines must not open the circuit, got %s", g.State())
	}
}

func TestGateway_ContextCancellation(t *testing.T) {
	slow := mock.NewGateway("slow")
	slow.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		<-ctx.Done()
		return provider.Result{}, ctx.Err()
	}

	g := New(slow, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	// Cancel context immediately
	cancel()

	_, err := g.Status(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if IsTimeout(err) {
		t.Error("Caller cancellation is not a timeout")
	}
}

func TestWrapRegistry(t *testing.T) {
	r := provider.NewRegistry(mock.NewGateway("a"), mock.NewGateway("b"))
	r.Wrap(Wrap(DefaultConfig()))

	for _, name := range r.Names() {
		g, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		if _, ok := g.(*Gateway); !ok {
			t.Errorf("Expected %s to be wrapped, got %T", name, g)
		}
	}
}
