package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Store defines the atomic balance operations every backend must provide.
// Each method is a single indivisible check-and-apply relative to all other
// callers on the same account. No implementation may split a balance check
// and the write that depends on it across round trips.
type Store interface {
	// ApplyDelta adds amount (which may be negative) to the available balance.
	// Returns ErrInsufficientFunds if the result would be negative.
	ApplyDelta(ctx context.Context, accountID int64, amount decimal.Decimal) (decimal.Decimal, error)

	// ApplyOnce is ApplyDelta guarded by an idempotency marker keyed on opID.
	// A second call with the same opID changes nothing and reports Replayed.
	ApplyOnce(ctx context.Context, accountID int64, opID string, amount decimal.Decimal) (Mutation, error)

	// Reserve moves amount from available to reserved under the hold holdID.
	// Reserving an existing hold, or one already captured, is a no-op.
	Reserve(ctx context.Context, accountID int64, holdID string, amount decimal.Decimal) (Mutation, error)

	// Release returns a hold's funds from reserved to available.
	// Releasing an unknown hold is a no-op.
	Release(ctx context.Context, accountID int64, holdID string) (Mutation, error)

	// Capture consumes a hold: the reserved funds leave the account and the
	// hold is recorded as applied. Capturing an unknown hold is a no-op.
	Capture(ctx context.Context, accountID int64, holdID string) (Mutation, error)

	// Read returns the current balance. Unknown accounts read as zero.
	Read(ctx context.Context, accountID int64) (Balance, error)

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases any resources held by the store.
	Close() error
}

// Balance is a point-in-time view of an account's funds.
type Balance struct {
	// Available can be spent or reserved.
	Available decimal.Decimal `json:"available"`

	// Reserved is earmarked for pending withdrawals.
	Reserved decimal.Decimal `json:"reserved"`
}

// Total returns available plus reserved.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// Mutation is the result of an idempotent balance operation.
type Mutation struct {
	Balance Balance

	// Replayed is true when the operation had already been applied and this
	// call changed nothing.
	Replayed bool
}

var (
	// ErrInsufficientFunds is returned when an operation would drive available below zero.
	ErrInsufficientFunds = errors.New("balance: insufficient funds")

	// ErrInvalidAmount is returned for amounts that cannot be represented in minor units.
	ErrInvalidAmount = errors.New("balance: invalid amount")

	// ErrInvalidOperation is returned for malformed op or hold identifiers.
	ErrInvalidOperation = errors.New("balance: invalid operation id")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("balance: store unavailable")
)

// IsInsufficientFunds reports whether err is an insufficient funds rejection.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// WrapError adds the backend and operation to an error.
func WrapError(err error, store string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("balance store %s %s: %w", store, operation, err)
}
