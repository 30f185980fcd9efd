// Package provider defines the payment provider gateway the reconciler
// settles transactions through, plus a registry of named gateways.
//
// A gateway call either returns a Result (the provider answered) or an
// error (it could not be reached or answered garbage). Errors are treated
// as transient unless wrapped with Permanent.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"wallet-settlement/pkg/ledger"

	"github.com/shopspring/decimal"
)

// ReferencePrefix prefixes every reference sent to a provider.
const ReferencePrefix = "MAH-"

// Metadata keys read from a transaction.
const (
	MetaDestination = "destination"
	MetaBankCode    = "bank_code"
	MetaAccountName = "account_name"
	MetaChain       = "chain"
	MetaTxHash      = "tx_hash"
	MetaSimulate    = "simulate"
)

// Status is what a provider reports about one reference.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
	StatusNotFound  Status = "not_found"
)

var (
	// ErrUnknownProvider is returned by Registry.Get for unregistered names.
	ErrUnknownProvider = errors.New("provider: unknown provider")

	// ErrUnsupported is returned when a gateway cannot perform an operation.
	ErrUnsupported = errors.New("provider: operation not supported")

	// ErrMissingDestination is returned when a payout has nowhere to go.
	ErrMissingDestination = errors.New("provider: missing destination")
)

// Request is one settlement call. Reference() is stable per transaction,
// which lets a status query find a settlement made by an earlier attempt.
type Request struct {
	TransactionID int64
	AccountID     int64
	Kind          ledger.Kind
	Amount        decimal.Decimal
	Currency      string
	Destination   string
	Metadata      map[string]string
}

// RequestFrom builds the provider request for a ledger transaction.
func RequestFrom(tx ledger.Transaction) Request {
	meta := make(map[string]string, len(tx.Metadata))
	for k, v := range tx.Metadata {
		meta[k] = v
	}
	return Request{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Destination:   meta[MetaDestination],
		Metadata:      meta,
	}
}

// Reference returns the idempotency reference sent to the provider.
// Example: MAH-42
func (r Request) Reference() string {
	return ReferencePrefix + strconv.FormatInt(r.TransactionID, 10)
}

// Meta returns a metadata value or "".
func (r Request) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// Result is a provider's answer.
type Result struct {
	Status      Status
	ExternalRef string
	// Reason is the provider's explanation for a failed status.
	Reason string
	// Retryable marks a failed status the provider says may succeed later.
	Retryable bool
}

// Gateway settles transactions with one external provider.
type Gateway interface {
	// Name returns the provider name transactions refer to.
	Name() string

	// SettleDeposit charges the customer for a deposit.
	SettleDeposit(ctx context.Context, req Request) (Result, error)

	// SettleWithdraw pays out a withdrawal.
	SettleWithdraw(ctx context.Context, req Request) (Result, error)

	// Status reports what the provider knows about req.Reference().
	Status(ctx context.Context, req Request) (Result, error)
}

// Settle dispatches to SettleDeposit or SettleWithdraw by kind.
func Settle(ctx context.Context, g Gateway, req Request) (Result, error) {
	switch req.Kind {
	case ledger.KindDeposit:
		return g.SettleDeposit(ctx, req)
	case ledger.KindWithdraw:
		return g.SettleWithdraw(ctx, req)
	default:
		return Result{}, Permanent(fmt.Errorf("%w: kind %q", ErrUnsupported, req.Kind))
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var p *permanentError
	if errors.As(err, &p) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Registry maps provider names to gateways. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry creates a registry holding gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces a gateway under its name.
func (r *Registry) Register(g Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[g.Name()] = g
}

// Get returns the gateway registered under name.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return g, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.gateways[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wrap replaces every registered gateway with wrap(gateway).
func (r *Registry) Wrap(wrap func(Gateway) Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, g := range r.gateways {
		r.gateways[name] = wrap(g)
	}
}
