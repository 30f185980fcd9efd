// Package simulated provides a deterministic in-process gateway for
// development and tests. Its behavior is chosen per transaction through
// the "simulate" metadata entry.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wallet-settlement/pkg/provider"
)

// Behaviors selected with the "simulate" metadata entry. Anything else
// succeeds.
const (
	// Decline fails permanently with reason "declined".
	Decline = "decline"
	// Unavailable returns a transient error on every call.
	Unavailable = "unavailable"
	// Flaky returns a transient error on the first settlement attempt only.
	Flaky = "flaky"
	// Pending accepts the settlement and keeps reporting pending.
	Pending = "pending"
	// Reject returns a permanent error.
	Reject = "reject"
)

// Config configures the simulated gateway.
type Config struct {
	Name string `mapstructure:"name"`
	// Latency is added to every call.
	Latency time.Duration `mapstructure:"latency"`
}

// Gateway remembers every settlement it accepted, so Status answers like a
// real provider after a crash and redelivery.
type Gateway struct {
	config Config

	mu       sync.Mutex
	settled  map[string]provider.Result
	attempts map[string]int
}

// New creates a simulated gateway.
func New(config Config) *Gateway {
	if config.Name == "" {
		config.Name = "simulated"
	}
	return &Gateway{
		config:   config,
		settled:  make(map[string]provider.Result),
		attempts: make(map[string]int),
	}
}

// Name implements provider.Gateway.
func (g *Gateway) Name() string {
	return g.config.Name
}

// SettleDeposit implements provider.Gateway.
func (g *Gateway) SettleDeposit(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.settle(ctx, req, "SIM-DEP-")
}

// SettleWithdraw implements provider.Gateway.
func (g *Gateway) SettleWithdraw(ctx context.Context, req provider.Request) (provider.Result, error) {
	return g.settle(ctx, req, "SIM-WD-")
}

// Status implements provider.Gateway.
func (g *Gateway) Status(ctx context.Context, req provider.Request) (provider.Result, error) {
	if err := g.wait(ctx); err != nil {
		return provider.Result{}, err
	}
	if req.Meta(provider.MetaSimulate) == Unavailable {
		return provider.Result{}, fmt.Errorf("simulated: provider unavailable")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.settled[req.Reference()]; ok {
		return res, nil
	}
	return provider.Result{Status: provider.StatusNotFound}, nil
}

// Attempts returns how many settlement calls were made for req.
func (g *Gateway) Attempts(req provider.Request) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts[req.Reference()]
}

// Forget drops everything recorded for req, as if the provider lost it.
func (g *Gateway) Forget(req provider.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.settled, req.Reference())
	delete(g.attempts, req.Reference())
}

func (g *Gateway) settle(ctx context.Context, req provider.Request, prefix string) (provider.Result, error) {
	if err := g.wait(ctx); err != nil {
		return provider.Result{}, err
	}

	ref := req.Reference()
	g.mu.Lock()
	defer g.mu.Unlock()

	g.attempts[ref]++
	if res, ok := g.settled[ref]; ok {
		return res, nil
	}

	var res provider.Result
	switch req.Meta(provider.MetaSimulate) {
	case Unavailable:
		return provider.Result{}, fmt.Errorf("simulated: provider unavailable")
	case Flaky:
		if g.attempts[ref] == 1 {
			return provider.Result{}, fmt.Errorf("simulated: transient failure")
		}
		res = provider.Result{Status: provider.StatusSucceeded, ExternalRef: fmt.Sprintf("%s%d", prefix, req.TransactionID)}
	case Reject:
		return provider.Result{}, provider.Permanent(fmt.Errorf("simulated: request rejected"))
	case Decline:
		res = provider.Result{Status: provider.StatusFailed, Reason: "declined"}
	case Pending:
		res = provider.Result{Status: provider.StatusPending, ExternalRef: fmt.Sprintf("%s%d", prefix, req.TransactionID)}
	default:
		res = provider.Result{Status: provider.StatusSucceeded, ExternalRef: fmt.Sprintf("%s%d", prefix, req.TransactionID)}
	}
	g.settled[ref] = res
	return res, nil
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.config.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(g.config.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ provider.Gateway = (*Gateway)(nil)
