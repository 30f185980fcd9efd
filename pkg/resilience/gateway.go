// Package resilience wraps provider gateways with a per-provider circuit
// breaker and a bounded call timeout.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/provider"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned without calling the provider while its
	// circuit breaker is open. It is transient.
	ErrCircuitOpen = errors.New("resilience: circuit breaker open")

	// ErrTimeout is returned when a provider call exceeds the timeout.
	// It is transient.
	ErrTimeout = errors.New("resilience: provider call timed out")
)

// IsCircuitOpen reports whether err was caused by an open circuit.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsTimeout reports whether err was caused by the call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Gateway wraps a provider.Gateway with circuit breaker and timeout
// protection. Permanent errors are the provider answering, so they do not
// count as breaker failures.
type Gateway struct {
	gateway provider.Gateway
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// New wraps gateway.
func New(gateway provider.Gateway, config Config) *Gateway {
	name := gateway.Name()
	logger := logging.OrGlobal(config.Logger, "resilience").Named(name)

	g := &Gateway{
		gateway: gateway,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(config.Metrics),
		logger:  logger,
	}

	logger.Info("resilient gateway initialized",
		zap.String("provider", name),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			// Default: trip after 5 consecutive failures
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || provider.IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			g.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}

	g.cb = gobreaker.NewCircuitBreaker(settings)
	g.metrics.RecordCircuitState(name, metrics.CircuitClosed)

	return g
}

// Wrap returns a function wrapping gateways with config, for
// provider.Registry.Wrap.
func Wrap(config Config) func(provider.Gateway) provider.Gateway {
	return func(g provider.Gateway) provider.Gateway {
		return New(g, config)
	}
}

// Name returns the name of the underlying gateway.
func (g *Gateway) Name() string {
	return g.gateway.Name()
}

// Unwrap returns the underlying gateway.
func (g *Gateway) Unwrap() provider.Gateway {
	return g.gateway
}

// State returns the current circuit breaker state.
func (g *Gateway) State() metrics.CircuitState {
	return toCircuitState(g.cb.State())
}

// SettleDeposit calls the provider with timeout and circuit breaker protection.
func (g *Gateway) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.execute(ctx, "settle_deposit", req, g.gateway.SettleDeposit)
}

// SettleWithdraw calls the provider with timeout and circuit breaker protection.
func (g *Gateway) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.execute(ctx, "settle_withdraw", req, g.gateway.SettleWithdraw)
}

// Status calls the provider with timeout and circuit breaker protection.
func (g *Gateway) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.execute(ctx, "status", req, g.gateway.Status)
}

type call func(ctx context.Context, req provider.Request) (provider.Result, error)

func (g *Gateway) execute(ctx context.Context, operation string, req provider.Request, fn call) (provider.Result, error) {
	start := time.Now()
	name := g.gateway.Name()

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.cb.Execute(func() (interface{}, error) {
		return fn(callCtx, req)
	})
	duration := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			g.logger.Warn("circuit breaker open - request rejected",
				zap.String("operation", operation),
				zap.String("reference", req.Reference()),
			)
			g.metrics.RecordProviderCall(name, operation, "circuit_open", duration)
			return provider.Result{}, fmt.Errorf("%s %s: %w", name, operation, ErrCircuitOpen)

		case callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
			g.logger.Warn("provider call timeout",
				zap.String("operation", operation),
				zap.String("reference", req.Reference()),
				zap.Duration("timeout", g.timeout),
				zap.Duration("elapsed", duration),
			)
			g.metrics.RecordProviderCall(name, operation, "timeout", duration)
			return provider.Result{}, fmt.Errorf("%s %s: %w: %v", name, operation, ErrTimeout, err)

		case provider.IsPermanent(err):
			g.logger.Warn("provider rejected request",
				zap.String("operation", operation),
				zap.String("reference", req.Reference()),
				zap.Error(err),
			)
			g.metrics.RecordProviderCall(name, operation, "rejected", duration)
			return provider.Result{}, err

		default:
			g.logger.Error("provider call failed",
				zap.String("operation", operation),
				zap.String("reference", req.Reference()),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			g.metrics.RecordProviderCall(name, operation, "error", duration)
			return provider.Result{}, err
		}
	}

	res := out.(provider.Result)
	g.metrics.RecordProviderCall(name, operation, string(res.Status), duration)
	return res, nil
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	default:
		return metrics.CircuitClosed
	}
}

var _ provider.Gateway = (*Gateway)(nil)
