// Package reconciler settles queued transactions with their provider and
// applies the outcome to the balance store and the ledger exactly once.
//
// Every delivery is processed under the ledger row lease. Before anything
// is sent to the provider the reconciler asks it whether the transaction is
// already known, so a worker that crashed after the provider accepted a
// payment finishes the job instead of paying twice.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"wallet-settlement/pkg/balance"
	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/money"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/queue"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned in Result.Err for transactions that fail
// validation on the worker side.
var ErrInvalidRequest = errors.New("reconciler: invalid transaction")

// errStillPending marks a retryable settlement that the provider reported
// as failed with Retryable set.
var errStillPending = errors.New("reconciler: provider asked to retry")

// Result describes how one delivery was disposed of.
type Result struct {
	Outcome metrics.Outcome

	// Status is the transaction status after processing.
	Status ledger.Status

	// Reason is the failure reason for failed transactions, or the retry
	// cause for retried deliveries.
	Reason string

	ExternalRef string

	// RetryAfter is how long the delivery should stay invisible when
	// Outcome is retry.
	RetryAfter time.Duration

	// Err carries the underlying error for retried or failed deliveries.
	Err error
}

// Ack reports whether the delivery should be acknowledged.
func (r Result) Ack() bool {
	return r.Outcome != metrics.OutcomeRetry
}

// OperationID is the balance idempotency key of a transaction. Deposits
// apply it as an op id and withdrawals use it as the hold id.
func OperationID(txID int64) string {
	return "tx-" + strconv.FormatInt(txID, 10)
}

// Reconciler settles transactions. It is safe for concurrent use; any
// number of workers may share one.
type Reconciler struct {
	ledger    ledger.Ledger
	balances  balance.Store
	providers *provider.Registry
	config    Config
	metrics   metrics.Collector
	logger    *logging.Logger
}

// New creates a reconciler.
func New(l ledger.Ledger, balances balance.Store, providers *provider.Registry, config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if l == nil || balances == nil || providers == nil {
		return nil, fmt.Errorf("reconciler: ledger, balance store and provider registry are required")
	}
	return &Reconciler{
		ledger:    l,
		balances:  balances,
		providers: providers,
		config:    config,
		metrics:   metrics.OrNoOp(config.Metrics),
		logger:    logging.OrGlobal(config.Logger, "reconciler"),
	}, nil
}

// Process settles the transaction item points at. It never panics on bad
// data; every outcome is described by the returned Result.
func (r *Reconciler) Process(ctx context.Context, item queue.WorkItem) Result {
	start := time.Now()
	log := r.logger.ForTransaction(item.TransactionID, item.AccountID, item.Kind, item.Provider)

	lease, err := r.ledger.LoadForUpdate(ctx, item.TransactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			log.Error("work item references unknown transaction, discarding")
			return r.finish(item.Provider, item.Kind, start, Result{
				Outcome: metrics.OutcomeDiscarded,
				Reason:  "unknown_transaction",
				Err:     err,
			})
		}
		reason := "ledger_unavailable"
		if ledger.IsRetryable(err) {
			reason = "lock_timeout"
		}
		log.Warn("could not lock transaction", zap.String("reason", reason), zap.Error(err))
		return r.retry(item.Provider, item.Kind, start, reason, r.config.RetryDelay, err)
	}
	defer lease.Release()

	tx := lease.Transaction()
	log = r.logger.ForTransaction(tx.ID, tx.AccountID, string(tx.Kind), tx.Provider)

	if tx.Status.Terminal() {
		log.Debug("transaction already terminal, discarding redelivery", zap.String("status", string(tx.Status)))
		return r.finish(tx.Provider, string(tx.Kind), start, Result{
			Outcome:     metrics.OutcomeDiscarded,
			Status:      tx.Status,
			Reason:      tx.FailureReason,
			ExternalRef: tx.ExternalRef,
		})
	}

	if item.AccountID != tx.AccountID || !item.Amount.Equal(tx.Amount) || item.Kind != string(tx.Kind) {
		log.Warn("work item disagrees with ledger row, using the row",
			zap.Int64("item_account_id", item.AccountID),
			zap.String("item_amount", item.Amount.String()),
			zap.String("item_kind", item.Kind),
		)
	}

	gw, err := r.validate(tx)
	if err != nil {
		log.Error("transaction failed validation", zap.Error(err))
		return r.fail(ctx, lease, tx, log, start, ledger.ReasonInvalidRequest, err)
	}

	req := provider.RequestFrom(tx)
	st, err := r.probe(ctx, gw, req)
	if err != nil {
		if provider.IsPermanent(err) {
			// The provider cannot answer for this reference; it has never
			// seen it as far as we can tell.
			log.Warn("status probe rejected, treating as unknown", zap.Error(err))
			st = provider.Result{Status: provider.StatusNotFound}
		} else {
			log.Warn("status probe failed", zap.Error(err))
			return r.retry(tx.Provider, string(tx.Kind), start, "probe_failed", r.config.RetryDelay, err)
		}
	}

	switch st.Status {
	case provider.StatusSucceeded:
		log.Info("provider already settled transaction, finalizing", zap.String("external_ref", st.ExternalRef))
		return r.complete(ctx, lease, tx, log, start, st.ExternalRef)
	case provider.StatusFailed:
		log.Info("provider already failed transaction, finalizing", zap.String("provider_reason", st.Reason))
		return r.fail(ctx, lease, tx, log, start, reasonOr(st.Reason, ledger.ReasonProviderRejected), nil)
	case provider.StatusPending:
		log.Info("settlement in progress at provider")
		return r.pending(ctx, lease, tx, log, start, nil)
	}

	if tx.Kind == ledger.KindWithdraw {
		if _, err := r.balances.Reserve(ctx, tx.AccountID, OperationID(tx.ID), tx.Amount); err != nil {
			if balance.IsInsufficientFunds(err) {
				log.Info("insufficient funds for withdrawal", zap.String("amount", tx.Amount.String()))
				return r.fail(ctx, lease, tx, log, start, ledger.ReasonInsufficientFunds, err)
			}
			log.Warn("could not reserve funds", zap.Error(err))
			return r.retry(tx.Provider, string(tx.Kind), start, "balance_unavailable", r.config.RetryDelay, err)
		}
	}

	res, err := r.settle(ctx, gw, req, log)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return r.retry(tx.Provider, string(tx.Kind), start, "shutdown", r.config.RetryDelay, err)
		case provider.IsPermanent(err):
			log.Warn("provider rejected settlement", zap.Error(err))
			return r.fail(ctx, lease, tx, log, start, ledger.ReasonProviderRejected, err)
		}
		return r.exhausted(ctx, lease, tx, gw, req, log, start, err)
	}

	switch res.Status {
	case provider.StatusSucceeded:
		return r.complete(ctx, lease, tx, log, start, res.ExternalRef)
	case provider.StatusFailed:
		log.Info("provider declined settlement", zap.String("provider_reason", res.Reason))
		return r.fail(ctx, lease, tx, log, start, reasonOr(res.Reason, ledger.ReasonProviderRejected), nil)
	default:
		log.Info("settlement accepted, awaiting provider confirmation",
			zap.String("status", string(res.Status)),
			zap.String("external_ref", res.ExternalRef),
		)
		return r.pending(ctx, lease, tx, log, start, nil)
	}
}

func (r *Reconciler) validate(tx ledger.Transaction) (provider.Gateway, error) {
	if !tx.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s must be greater than zero", ErrInvalidRequest, tx.Amount)
	}
	if err := money.ValidateAmount(tx.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !tx.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, tx.Kind)
	}
	if currency, err := money.NormalizeCurrency(tx.Currency); err != nil || currency != tx.Currency {
		return nil, fmt.Errorf("%w: unsupported currency %q", ErrInvalidRequest, tx.Currency)
	}
	gw, err := r.providers.Get(tx.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return gw, nil
}

func (r *Reconciler) probe(ctx context.Context, gw provider.Gateway, req provider.Request) (provider.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.config.ProviderTimeout)
	defer cancel()
	return gw.Status(callCtx, req)
}

// settle calls the provider with bounded exponential backoff between
// transient failures. Permanent errors stop immediately.
func (r *Reconciler) settle(ctx context.Context, gw provider.Gateway, req provider.Request, log *logging.Logger) (provider.Result, error) {
	var result provider.Result

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.config.ProviderTimeout)
		defer cancel()

		res, err := provider.Settle(callCtx, gw, req)
		if err != nil {
			if provider.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if res.Status == provider.StatusFailed && res.Retryable {
			return fmt.Errorf("%w: %s", errStillPending, res.Reason)
		}
		result = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialBackoff
	b.MaxInterval = r.config.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		r.metrics.RecordRetry("provider_transient")
		log.Warn("transient settlement failure, retrying",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return provider.Result{}, err
	}
	return result, nil
}

// exhausted handles a settlement that never got a definitive answer. One
// last status probe guards against failing a transaction the provider
// actually accepted before the connection dropped.
func (r *Reconciler) exhausted(ctx context.Context, lease ledger.Lease, tx ledger.Transaction, gw provider.Gateway, req provider.Request, log *logging.Logger, start time.Time, cause error) Result {
	st, err := r.probe(ctx, gw, req)
	if err == nil {
		switch st.Status {
		case provider.StatusSucceeded:
			log.Info("provider settled despite errors", zap.String("external_ref", st.ExternalRef))
			return r.complete(ctx, lease, tx, log, start, st.ExternalRef)
		case provider.StatusFailed:
			log.Info("provider failed transaction after errors", zap.String("provider_reason", st.Reason))
			return r.fail(ctx, lease, tx, log, start, reasonOr(st.Reason, ledger.ReasonProviderRejected), cause)
		case provider.StatusPending:
			return r.pending(ctx, lease, tx, log, start, cause)
		}
	}

	log.Error("provider unavailable, giving up",
		zap.Int("attempts", r.config.MaxAttempts),
		zap.Error(cause),
	)
	return r.fail(ctx, lease, tx, log, start, ledger.ReasonProviderUnavailable, cause)
}

// pending hands the delivery back until the provider has an answer. The
// row's updated_at moves forward so the pending sweep leaves it alone.
func (r *Reconciler) pending(ctx context.Context, lease ledger.Lease, tx ledger.Transaction, log *logging.Logger, start time.Time, cause error) Result {
	if err := lease.Postpone(ctx); err != nil {
		log.Warn("could not postpone transaction", zap.Error(err))
	}
	return r.retry(tx.Provider, string(tx.Kind), start, "settlement_pending", r.config.PendingDelay, cause)
}

// complete applies the balance effect and then marks the row completed.
// Both steps are idempotent on the transaction id, so a crash between
// them converges on redelivery.
func (r *Reconciler) complete(ctx context.Context, lease ledger.Lease, tx ledger.Transaction, log *logging.Logger, start time.Time, externalRef string) Result {
	opID := OperationID(tx.ID)

	var (
		m   balance.Mutation
		err error
	)
	switch tx.Kind {
	case ledger.KindDeposit:
		m, err = r.balances.ApplyOnce(ctx, tx.AccountID, opID, tx.Amount)
	case ledger.KindWithdraw:
		m, err = r.balances.Capture(ctx, tx.AccountID, opID)
	}
	if err != nil {
		log.Error("could not apply balance effect", zap.Error(err))
		return r.retry(tx.Provider, string(tx.Kind), start, "balance_unavailable", r.config.RetryDelay, err)
	}

	if err := lease.MarkCompleted(ctx, externalRef); err != nil {
		log.Error("could not mark transaction completed", zap.Error(err))
		return r.retry(tx.Provider, string(tx.Kind), start, "ledger_unavailable", r.config.RetryDelay, err)
	}

	log.Info("transaction completed",
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency),
		zap.String("external_ref", externalRef),
		zap.String("available", m.Balance.Available.String()),
		zap.Bool("replayed", m.Replayed),
	)
	return r.finish(tx.Provider, string(tx.Kind), start, Result{
		Outcome:     metrics.OutcomeCompleted,
		Status:      ledger.StatusCompleted,
		ExternalRef: externalRef,
	})
}

// fail returns any withdrawal hold and then marks the row failed.
func (r *Reconciler) fail(ctx context.Context, lease ledger.Lease, tx ledger.Transaction, log *logging.Logger, start time.Time, reason string, cause error) Result {
	if tx.Kind == ledger.KindWithdraw {
		if _, err := r.balances.Release(ctx, tx.AccountID, OperationID(tx.ID)); err != nil {
			log.Error("could not release hold", zap.Error(err))
			return r.retry(tx.Provider, string(tx.Kind), start, "balance_unavailable", r.config.RetryDelay, err)
		}
	}

	if err := lease.MarkFailed(ctx, reason); err != nil {
		log.Error("could not mark transaction failed", zap.Error(err))
		return r.retry(tx.Provider, string(tx.Kind), start, "ledger_unavailable", r.config.RetryDelay, err)
	}

	log.Info("transaction failed", zap.String("reason", reason), zap.NamedError("cause", cause))
	return r.finish(tx.Provider, string(tx.Kind), start, Result{
		Outcome: metrics.OutcomeFailed,
		Status:  ledger.StatusFailed,
		Reason:  reason,
		Err:     cause,
	})
}

func (r *Reconciler) retry(providerName, kind string, start time.Time, reason string, delay time.Duration, cause error) Result {
	r.metrics.RecordRetry(reason)
	return r.finish(providerName, kind, start, Result{
		Outcome:    metrics.OutcomeRetry,
		Status:     ledger.StatusPending,
		Reason:     reason,
		RetryAfter: delay,
		Err:        cause,
	})
}

func (r *Reconciler) finish(providerName, kind string, start time.Time, res Result) Result {
	r.metrics.RecordOutcome(providerName, kind, res.Outcome, res.Reason, time.Since(start))
	return res
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
