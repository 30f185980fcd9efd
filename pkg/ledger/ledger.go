// Package ledger is the durable record of wallet transactions.
//
// The ledger is the source of truth for a transaction's lifecycle. A
// transaction is inserted pending, reaches exactly one terminal status
// (completed or failed) and is never modified afterwards.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the direction of a transaction.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDeposit || k == KindWithdraw
}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, s)
	}
	return k, nil
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Failure reasons recorded on failed transactions. Providers may also
// supply their own reason text for permanent rejections.
const (
	ReasonInvalidRequest      = "invalid_request"
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderRejected    = "provider_rejected"
)

var (
	// ErrNotFound is returned when a transaction or account does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrLockTimeout is returned when exclusive access could not be obtained
	// in time. It is retryable.
	ErrLockTimeout = errors.New("ledger: lock timeout")

	// ErrDuplicateKey is returned when an idempotency key is already taken.
	ErrDuplicateKey = errors.New("ledger: duplicate idempotency key")

	// ErrInvalidTransaction is returned for rows that violate the data model.
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")

	// ErrLeaseClosed is returned when a lease is used after it was finalized
	// or released.
	ErrLeaseClosed = errors.New("ledger: lease closed")
)

// Account is a wallet for one owner in one currency.
type Account struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is one deposit or withdrawal.
type Transaction struct {
	ID             int64             `json:"id"`
	AccountID      int64             `json:"account_id"`
	Kind           Kind              `json:"kind"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Provider       string            `json:"provider"`
	Status         Status            `json:"status"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewTransaction holds the fields supplied when opening a transaction.
type NewTransaction struct {
	AccountID      int64
	Kind           Kind
	Amount         decimal.Decimal
	Currency       string
	Provider       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Validate checks the fields the ledger enforces on insert.
func (n NewTransaction) Validate() error {
	if n.AccountID <= 0 {
		return fmt.Errorf("%w: account id must be positive", ErrInvalidTransaction)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, n.Kind)
	}
	if !n.Amount.IsPositive() {
		return fmt.Errorf("%w: amount %s must be greater than zero", ErrInvalidTransaction, n.Amount)
	}
	if n.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidTransaction)
	}
	if n.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidTransaction)
	}
	return nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	AccountID int64
	Status    Status
	Kind      Kind
	Limit     int
	Offset    int
}

// DefaultListLimit caps List when Filter.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit is the largest page List returns.
const MaxListLimit = 500

// Normalize applies the default and maximum page size.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Volume aggregates transactions sharing a status and currency.
type Volume struct {
	Status   Status          `json:"status"`
	Currency string          `json:"currency"`
	Count    int64           `json:"count"`
	Sum      decimal.Decimal `json:"sum"`
}

// Stats summarizes the ledger.
type Stats struct {
	Accounts     int64            `json:"accounts"`
	Transactions int64            `json:"transactions"`
	ByStatus     map[Status]int64 `json:"by_status"`
	Volumes      []Volume         `json:"volumes"`
}

// Lease is exclusive access to one transaction row. Only the lease holder
// may move the transaction to a terminal status. A lease must always be
// released; releasing after MarkCompleted or MarkFailed is a no-op.
type Lease interface {
	// Transaction returns the row as read when the lease was taken.
	Transaction() Transaction

	// MarkCompleted records success with the provider's reference.
	// It is a no-op if the transaction is already terminal.
	MarkCompleted(ctx context.Context, externalRef string) error

	// MarkFailed records failure with a reason code.
	// It is a no-op if the transaction is already terminal.
	MarkFailed(ctx context.Context, reason string) error

	// Postpone leaves the transaction pending, bumps its updated_at and
	// gives up the lease. It marks a row some worker is still tracking.
	Postpone(ctx context.Context) error

	// Release gives up the lease without changing the transaction.
	Release() error
}

// Ledger stores accounts and transactions.
type Ledger interface {
	// EnsureAccount returns the owner's account in currency, creating it
	// on first use.
	EnsureAccount(ctx context.Context, ownerID, currency string) (Account, error)

	// GetAccount returns an account by id.
	GetAccount(ctx context.Context, id int64) (Account, error)

	// InsertPending durably records a new pending transaction.
	// Returns ErrDuplicateKey if the idempotency key is taken.
	InsertPending(ctx context.Context, tx NewTransaction) (Transaction, error)

	// Get returns a transaction by id.
	Get(ctx context.Context, id int64) (Transaction, error)

	// FindByIdempotencyKey returns the transaction opened with key.
	FindByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// List returns transactions newest first.
	List(ctx context.Context, filter Filter) ([]Transaction, error)

	// Stats returns aggregate counts and sums.
	Stats(ctx context.Context) (Stats, error)

	// LoadForUpdate takes exclusive access to a transaction, waiting at
	// most the configured lock timeout before returning ErrLockTimeout.
	LoadForUpdate(ctx context.Context, id int64) (Lease, error)

	// MarkCompleted moves a pending transaction to completed without a
	// lease. Returns false if it was already terminal.
	MarkCompleted(ctx context.Context, id int64, externalRef string) (bool, error)

	// MarkFailed moves a pending transaction to failed without a lease.
	// Returns false if it was already terminal.
	MarkFailed(ctx context.Context, id int64, reason string) (bool, error)

	Name() string
	Close() error
}

// IsRetryable reports whether err is a transient ledger condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// WrapError adds the backend and operation to an error.
func WrapError(err error, backend string, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("ledger %s %s: %w", backend, operation, err)
}
