package mock

import (
	"context"
	"sync/atomic"

	"wallet-settlement/pkg/provider"
)

// Gateway is a mock implementation of provider.Gateway for testing.
// It allows injecting custom behavior for each method and tracks call counts.
type Gateway struct {
	// Function hooks - set these to customize behavior
	NameFunc           func() string
	SettleDepositFunc  func(ctx context.Context, req provider.Request) (provider.Result, error)
	SettleWithdrawFunc func(ctx context.Context, req provider.Request) (provider.Result, error)
	StatusFunc         func(ctx context.Context, req provider.Request) (provider.Result, error)

	// Call tracking (must use atomic operations for race-free access)
	depositCalls  int64
	withdrawCalls int64
	statusCalls   int64
}

// Name implements provider.Gateway.Name with optional custom behavior.
func (m *Gateway) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// SettleDeposit implements provider.Gateway.SettleDeposit with optional custom behavior.
// By default the deposit succeeds with the request reference.
func (m *Gateway) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	atomic.AddInt64(&m.depositCalls, 1)
	if m.SettleDepositFunc != nil {
		return m.SettleDepositFunc(ctx, req)
	}
	return provider.Result{Status: provider.StatusSucceeded, ExternalRef: req.Reference()}, nil
}

// SettleWithdraw implements provider.Gateway.SettleWithdraw with optional custom behavior.
// By default the payout succeeds with the request reference.
func (m *Gateway) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	atomic.AddInt64(&m.withdrawCalls, 1)
	if m.SettleWithdrawFunc != nil {
		return m.SettleWithdrawFunc(ctx, req)
	}
	return provider.Result{Status: provider.StatusSucceeded, ExternalRef: req.Reference()}, nil
}

// Status implements provider.Gateway.Status with optional custom behavior.
// By default the provider has never seen the reference.
func (m *Gateway) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	atomic.AddInt64(&m.statusCalls, 1)
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, req)
	}
	return provider.Result{Status: provider.StatusNotFound}, nil
}

// DepositCalls returns the number of SettleDeposit calls (thread-safe).
func (m *Gateway) DepositCalls() int {
	return int(atomic.LoadInt64(&m.depositCalls))
}

// WithdrawCalls returns the number of SettleWithdraw calls (thread-safe).
func (m *Gateway) WithdrawCalls() int {
	return int(atomic.LoadInt64(&m.withdrawCalls))
}

// SettleCalls returns SettleDeposit plus SettleWithdraw calls (thread-safe).
func (m *Gateway) SettleCalls() int {
	return m.DepositCalls() + m.WithdrawCalls()
}

// StatusCalls returns the number of Status calls (thread-safe).
func (m *Gateway) StatusCalls() int {
	return int(atomic.LoadInt64(&m.statusCalls))
}

// NewGateway creates a Gateway named name where every settlement succeeds.
func NewGateway(name string) *Gateway {
	return &Gateway{
		NameFunc: func() string { return name },
	}
}

// ErrProviderDown is a mock transport error.
var ErrProviderDown = &mockError{"provider down"}

type mockError struct {
	msg string
}

func (e *mockError) Error() string {
	return "mock: " + e.msg
}

var _ provider.Gateway = (*Gateway)(nil)
