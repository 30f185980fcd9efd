// Package intake turns deposit and withdrawal requests into pending ledger
// transactions and queues them for settlement.
//
// The ledger insert is committed before the work item is enqueued, so a
// queued item always points at a durable row. If enqueueing fails the row
// stays pending until RequeuePending picks it up.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"wallet-settlement/pkg/balance"
	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/money"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/queue"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest is returned for requests that fail validation.
	// Nothing is written or queued.
	ErrInvalidRequest = errors.New("intake: invalid request")

	// ErrInsufficientFunds is returned when a withdrawal exceeds the
	// available balance at request time. The reconciler repeats the check
	// atomically; this one only saves a round trip.
	ErrInsufficientFunds = errors.New("intake: insufficient funds")

	// ErrEnqueueFailed is returned when the transaction was recorded but
	// could not be queued. The returned receipt is still valid.
	ErrEnqueueFailed = errors.New("intake: transaction recorded but not queued")
)

// Rejection reasons recorded in metrics.
const (
	ReasonInvalidRequest    = "invalid_request"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonLedger            = "ledger_unavailable"
	ReasonEnqueue           = "enqueue_failed"
)

// Request is a deposit or withdrawal as submitted by a user.
type Request struct {
	OwnerID  string
	Kind     string
	Amount   string
	Currency string
	Provider string

	// Destination is where a withdrawal is paid to or a deposit charged
	// from: a phone number, bank account or on-chain address.
	Destination string

	Metadata map[string]string

	// IdempotencyKey makes resubmission safe. A repeated key returns the
	// original transaction and queues nothing.
	IdempotencyKey string
}

// Receipt is the result of a successful submission.
type Receipt struct {
	Transaction ledger.Transaction

	// Duplicate is true when the idempotency key matched an earlier request.
	Duplicate bool
}

// Providers reports whether a provider name can settle transactions.
// *provider.Registry implements it.
type Providers interface {
	Has(name string) bool
}

// Config configures the intake service.
type Config struct {
	// ExpectedKeys sizes the idempotency key filter (default: 100000)
	ExpectedKeys uint `mapstructure:"expected_keys"`

	// FalsePositiveRate of the idempotency key filter (default: 0.01)
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`

	// SoftBalanceCheck rejects withdrawals above the available balance
	// before anything is recorded (default: true)
	SoftBalanceCheck bool `mapstructure:"soft_balance_check"`

	Metrics metrics.Collector `mapstructure:"-"`
	Logger  *logging.Logger   `mapstructure:"-"`
}

// DefaultConfig returns the default intake configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedKeys:      100000,
		FalsePositiveRate: 0.01,
		SoftBalanceCheck:  true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		return fmt.Errorf("intake: false positive rate must be between 0 and 1")
	}
	return nil
}

// Service validates, records and queues requests.
type Service struct {
	ledger    ledger.Ledger
	balances  balance.Store
	queue     queue.Queue
	providers Providers
	config    Config
	metrics   metrics.Collector
	logger    *logging.Logger

	// keys remembers idempotency keys seen by this process so that fresh
	// keys skip the ledger lookup.
	mu   sync.Mutex
	keys *bloom.BloomFilter
}

// New creates an intake service. balances may be nil, which disables the
// soft balance check.
func New(l ledger.Ledger, balances balance.Store, q queue.Queue, providers Providers, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if l == nil || q == nil || providers == nil {
		return nil, fmt.Errorf("intake: ledger, queue and providers are required")
	}
	if config.ExpectedKeys == 0 {
		config.ExpectedKeys = 100000
	}
	return &Service{
		ledger:    l,
		balances:  balances,
		queue:     q,
		providers: providers,
		config:    config,
		metrics:   metrics.OrNoOp(config.Metrics),
		logger:    logging.OrGlobal(config.Logger, "intake"),
		keys:      bloom.NewWithEstimates(config.ExpectedKeys, config.FalsePositiveRate),
	}, nil
}

// Deposit submits a deposit request.
func (s *Service) Deposit(ctx context.Context, req Request) (Receipt, error) {
	req.Kind = string(ledger.KindDeposit)
	return s.Submit(ctx, req)
}

// Withdraw submits a withdrawal request.
func (s *Service) Withdraw(ctx context.Context, req Request) (Receipt, error) {
	req.Kind = string(ledger.KindWithdraw)
	return s.Submit(ctx, req)
}

// Submit validates req, records a pending transaction and queues it.
func (s *Service) Submit(ctx context.Context, req Request) (Receipt, error) {
	n, err := s.validate(req)
	if err != nil {
		s.reject(req.Kind, ReasonInvalidRequest, err)
		return Receipt{}, err
	}

	if existing, ok, err := s.lookupKey(ctx, n.IdempotencyKey); err != nil {
		s.reject(req.Kind, ReasonLedger, err)
		return Receipt{}, err
	} else if ok {
		s.logger.Info("duplicate request, returning existing transaction",
			zap.String("idempotency_key", n.IdempotencyKey),
			zap.Int64("tx_id", existing.ID),
		)
		s.metrics.RecordIntake(req.Kind, true, "duplicate")
		return Receipt{Transaction: existing, Duplicate: true}, nil
	}

	acct, err := s.ledger.EnsureAccount(ctx, strings.TrimSpace(req.OwnerID), n.Currency)
	if err != nil {
		s.reject(req.Kind, ReasonLedger, err)
		return Receipt{}, fmt.Errorf("intake: ensure account: %w", err)
	}
	n.AccountID = acct.ID

	if n.Kind == ledger.KindWithdraw {
		if err := s.precheck(ctx, acct.ID, n.Amount); err != nil {
			s.reject(req.Kind, ReasonInsufficientFunds, err)
			return Receipt{}, err
		}
	}

	tx, err := s.ledger.InsertPending(ctx, n)
	if errors.Is(err, ledger.ErrDuplicateKey) {
		existing, findErr := s.ledger.FindByIdempotencyKey(ctx, n.IdempotencyKey)
		if findErr != nil {
			s.reject(req.Kind, ReasonLedger, findErr)
			return Receipt{}, fmt.Errorf("intake: find duplicate: %w", findErr)
		}
		s.remember(n.IdempotencyKey)
		s.metrics.RecordIntake(req.Kind, true, "duplicate")
		return Receipt{Transaction: existing, Duplicate: true}, nil
	}
	if err != nil {
		s.reject(req.Kind, ReasonLedger, err)
		return Receipt{}, fmt.Errorf("intake: insert: %w", err)
	}
	s.remember(n.IdempotencyKey)

	log := s.logger.ForTransaction(tx.ID, tx.AccountID, string(tx.Kind), tx.Provider)

	if err := s.queue.Enqueue(ctx, queue.FromTransaction(tx)); err != nil {
		log.Error("transaction recorded but not queued", zap.Error(err))
		s.metrics.RecordIntake(req.Kind, false, ReasonEnqueue)
		return Receipt{Transaction: tx}, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	log.Info("transaction accepted",
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency),
	)
	s.metrics.RecordIntake(req.Kind, true, "")
	return Receipt{Transaction: tx}, nil
}

func (s *Service) validate(req Request) (ledger.NewTransaction, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return ledger.NewTransaction{}, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	kind, err := ledger.ParseKind(req.Kind)
	if err != nil {
		return ledger.NewTransaction{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		return ledger.NewTransaction{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return ledger.NewTransaction{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.providers.Has(req.Provider) {
		return ledger.NewTransaction{}, fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, req.Provider)
	}

	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if d := strings.TrimSpace(req.Destination); d != "" {
		meta[provider.MetaDestination] = d
	}
	if kind == ledger.KindWithdraw && meta[provider.MetaDestination] == "" {
		return ledger.NewTransaction{}, fmt.Errorf("%w: withdrawal destination is required", ErrInvalidRequest)
	}

	return ledger.NewTransaction{
		Kind:           kind,
		Amount:         amount,
		Currency:       currency,
		Provider:       req.Provider,
		Metadata:       meta,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}, nil
}

func (s *Service) precheck(ctx context.Context, accountID int64, amount decimal.Decimal) error {
	if !s.config.SoftBalanceCheck || s.balances == nil {
		return nil
	}
	b, err := s.balances.Read(ctx, accountID)
	if err != nil {
		// The reconciler checks atomically anyway
		s.logger.Warn("balance pre-check skipped", zap.Int64("account_id", accountID), zap.Error(err))
		return nil
	}
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, b.Available, amount)
	}
	return nil
}

// lookupKey returns the transaction already opened with key, if any.
func (s *Service) lookupKey(ctx context.Context, key string) (ledger.Transaction, bool, error) {
	if key == "" {
		return ledger.Transaction{}, false, nil
	}

	s.mu.Lock()
	seen := s.keys.TestString(key)
	s.mu.Unlock()
	if !seen {
		return ledger.Transaction{}, false, nil
	}

	tx, err := s.ledger.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, fmt.Errorf("intake: find by idempotency key: %w", err)
	}
	return tx, true, nil
}

func (s *Service) remember(key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	s.keys.AddString(key)
	s.mu.Unlock()
}

func (s *Service) reject(kind, reason string, err error) {
	s.logger.Info("request rejected",
		zap.String("kind", kind),
		zap.String("reason", reason),
		zap.Error(err),
	)
	s.metrics.RecordIntake(kind, false, reason)
}

// RequeuePending enqueues pending transactions last updated before
// olderThan ago. It recovers rows whose enqueue failed after commit.
// Queueing a transaction twice is harmless. Returns how many were queued.
func (s *Service) RequeuePending(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	queued := 0

	filter := ledger.Filter{Status: ledger.StatusPending, Limit: ledger.MaxListLimit}
	for {
		page, err := s.ledger.List(ctx, filter)
		if err != nil {
			return queued, fmt.Errorf("intake: list pending: %w", err)
		}
		for _, tx := range page {
			if tx.UpdatedAt.After(cutoff) {
				continue
			}
			if err := s.queue.Enqueue(ctx, queue.FromTransaction(tx)); err != nil {
				return queued, fmt.Errorf("intake: requeue %d: %w", tx.ID, err)
			}
			queued++
		}
		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	if queued > 0 {
		s.logger.Info("requeued pending transactions", zap.Int("count", queued))
	}
	return queued, nil
}
