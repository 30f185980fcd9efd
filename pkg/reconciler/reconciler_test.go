package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	balancememory "wallet-settlement/pkg/balance/memory"
	"wallet-settlement/pkg/ledger"
	ledgermemory "wallet-settlement/pkg/ledger/memory"
	"wallet-settlement/pkg/metrics"
	metricsmemory "wallet-settlement/pkg/metrics/memory"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/mock"
	"wallet-settlement/pkg/queue"

	"github.com/shopspring/decimal"
)

type fixture struct {
	ledger   *ledgermemory.Ledger
	balances *balancememory.Store
	gateway  *mock.Gateway
	metrics  *metricsmemory.Collector
	rec      *Reconciler
}

func testConfig() Config {
	config := DefaultConfig()
	config.ProviderTimeout = time.Second
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	return config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:   ledgermemory.New(ledgermemory.Config{LockTimeout: 50 * time.Millisecond}),
		balances: balancememory.New("test"),
		gateway:  mock.NewGateway("mock"),
		metrics:  metricsmemory.NewCollector(),
	}

	rec, err := New(f.ledger, f.balances, provider.NewRegistry(f.gateway), testConfig().WithMetrics(f.metrics))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.rec = rec
	return f
}

func (f *fixture) insert(t *testing.T, kind ledger.Kind, amount, currency string) ledger.Transaction {
	t.Helper()
	ctx := context.Background()

	acct, err := f.ledger.EnsureAccount(ctx, "alice", currency)
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	tx, err := f.ledger.InsertPending(ctx, ledger.NewTransaction{
		AccountID: acct.ID,
		Kind:      kind,
		Amount:    decimal.RequireFromString(amount),
		Currency:  currency,
		Provider:  "mock",
	})
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	return tx
}

func (f *fixture) fund(t *testing.T, accountID int64, amount string) {
	t.Helper()
	if _, err := f.balances.ApplyDelta(context.Background(), accountID, decimal.RequireFromString(amount)); err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
}

func (f *fixture) assertBalance(t *testing.T, accountID int64, available, reserved string) {
	t.Helper()
	b, err := f.balances.Read(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !b.Available.Equal(decimal.RequireFromString(available)) || !b.Reserved.Equal(decimal.RequireFromString(reserved)) {
		t.Errorf("Expected available %s reserved %s, got %s / %s", available, reserved, b.Available, b.Reserved)
	}
}

func (f *fixture) assertStatus(t *testing.T, id int64, status ledger.Status, reason string) ledger.Transaction {
	t.Helper()
	tx, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tx.Status != status || tx.FailureReason != reason {
		t.Errorf("Expected %s (%q), got %s (%q)", status, reason, tx.Status, tx.FailureReason)
	}
	return tx
}

func TestDepositDeliveredTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, _ := f.ledger.EnsureAccount(ctx, "bob", "USD")
	f.ledger.Put(ledger.Transaction{
		ID:        42,
		AccountID: acct.ID,
		Kind:      ledger.KindDeposit,
		Amount:    decimal.NewFromInt(50),
		Currency:  "USD",
		Provider:  "mock",
		Status:    ledger.StatusPending,
	})
	tx, _ := f.ledger.Get(ctx, 42)
	item := queue.FromTransaction(tx)

	res := f.rec.Process(ctx, item)
	if res.Outcome != metrics.OutcomeCompleted || !res.Ack() {
		t.Fatalf("Expected completed, got %+v", res)
	}
	if res.ExternalRef != "MAH-42" {
		t.Errorf("Expected external ref MAH-42, got %s", res.ExternalRef)
	}

	res = f.rec.Process(ctx, item)
	if res.Outcome != metrics.OutcomeDiscarded || !res.Ack() {
		t.Fatalf("Expected redelivery to be discarded, got %+v", res)
	}

	f.assertBalance(t, acct.ID, "50", "0")
	f.assertStatus(t, 42, ledger.StatusCompleted, "")

	if f.gateway.SettleCalls() != 1 || f.gateway.StatusCalls() != 1 {
		t.Errorf("Expected one probe and one settlement, got %d / %d", f.gateway.StatusCalls(), f.gateway.SettleCalls())
	}
}

func TestConcurrentWithdrawals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.insert(t, ledger.KindWithdraw, "80", "ETB")
	second := f.insert(t, ledger.KindWithdraw, "80", "ETB")
	f.fund(t, first.AccountID, "100")

	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i, tx := range []ledger.Transaction{first, second} {
		wg.Add(1)
		go func(i int, tx ledger.Transaction) {
			defer wg.Done()
			results[i] = f.rec.Process(ctx, queue.FromTransaction(tx))
		}(i, tx)
	}
	wg.Wait()

	completed, failed := 0, 0
	for _, res := range results {
		switch {
		case res.Outcome == metrics.OutcomeCompleted:
			completed++
		case res.Outcome == metrics.OutcomeFailed && res.Reason == ledger.ReasonInsufficientFunds:
			failed++
		default:
			t.Errorf("Unexpected result %+v", res)
		}
	}
	if completed != 1 || failed != 1 {
		t.Fatalf("Expected one completed and one insufficient_funds, got %d / %d", completed, failed)
	}

	f.assertBalance(t, first.AccountID, "20", "0")

	if f.gateway.WithdrawCalls() != 1 {
		t.Errorf("The rejected withdrawal must not reach the provider, got %d payouts", f.gateway.WithdrawCalls())
	}
}

func TestRecoveryProbeFindsSettledDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindDeposit, "25.5", "ETB")

	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: "EXT-1"}, nil
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted {
		t.Fatalf("Expected completed, got %+v", res)
	}
	if f.gateway.SettleCalls() != 0 {
		t.Errorf("Expected no second settlement, got %d calls", f.gateway.SettleCalls())
	}

	got := f.assertStatus(t, tx.ID, ledger.StatusCompleted, "")
	if got.ExternalRef != "EXT-1" {
		t.Errorf("Expected external ref EXT-1, got %s", got.ExternalRef)
	}
	f.assertBalance(t, tx.AccountID, "25.5", "0")
}

func TestRecoveryAfterBalanceApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindDeposit, "10", "USDT")

	// A previous worker credited the balance and died before marking the row
	if _, err := f.balances.ApplyOnce(ctx, tx.AccountID, OperationID(tx.ID), tx.Amount); err != nil {
		t.Fatalf("ApplyOnce failed: %v", err)
	}
	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: req.Reference()}, nil
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted {
		t.Fatalf("Expected completed, got %+v", res)
	}
	f.assertBalance(t, tx.AccountID, "10", "0")
}

func TestRecoveryAfterWithdrawalCaptured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindWithdraw, "30", "ETB")
	f.fund(t, tx.AccountID, "100")

	opID := OperationID(tx.ID)
	if _, err := f.balances.Reserve(ctx, tx.AccountID, opID, tx.Amount); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := f.balances.Capture(ctx, tx.AccountID, opID); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: "WD-1"}, nil
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted {
		t.Fatalf("Expected completed, got %+v", res)
	}
	f.assertBalance(t, tx.AccountID, "70", "0")
	if f.gateway.WithdrawCalls() != 0 {
		t.Errorf("Expected no second payout, got %d", f.gateway.WithdrawCalls())
	}
}

func TestProbeFailedReleasesHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindWithdraw, "30", "ETB")
	f.fund(t, tx.AccountID, "100")

	if _, err := f.balances.Reserve(ctx, tx.AccountID, OperationID(tx.ID), tx.Amount); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusFailed, Reason: "declined"}, nil
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeFailed || res.Reason != "declined" {
		t.Fatalf("Expected failed/declined, got %+v", res)
	}
	f.assertStatus(t, tx.ID, ledger.StatusFailed, "declined")
	f.assertBalance(t, tx.AccountID, "100", "0")
}

func TestProbePendingRetriesLater(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindDeposit, "5", "ETB")

	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusPending}, nil
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeRetry || res.Ack() {
		t.Fatalf("Expected retry, got %+v", res)
	}
	if res.RetryAfter != testConfig().PendingDelay {
		t.Errorf("Expected pending delay %v, got %v", testConfig().PendingDelay, res.RetryAfter)
	}
	if f.gateway.SettleCalls() != 0 {
		t.Error("A pending settlement must not be sent again")
	}
	f.assertStatus(t, tx.ID, ledger.StatusPending, "")
}

func TestProbeTransientErrorRetries(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindDeposit, "5", "ETB")

	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{}, mock.ErrProviderDown
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeRetry || res.Reason != "probe_failed" {
		t.Fatalf("Expected probe_failed retry, got %+v", res)
	}
	if f.gateway.SettleCalls() != 0 {
		t.Error("Settlement must wait for a successful probe")
	}
}

func TestInvalidRowsFail(t *testing.T) {
	tests := []struct {
		name string
		tx   ledger.Transaction
	}{
		{
			name: "negative amount",
			tx:   ledger.Transaction{Kind: ledger.KindWithdraw, Amount: decimal.NewFromInt(-5), Currency: "USDT", Provider: "mock"},
		},
		{
			name: "zero amount",
			tx:   ledger.Transaction{Kind: ledger.KindDeposit, Amount: decimal.Zero, Currency: "ETB", Provider: "mock"},
		},
		{
			name: "too precise",
			tx:   ledger.Transaction{Kind: ledger.KindDeposit, Amount: decimal.RequireFromString("0.000000001"), Currency: "BTC", Provider: "mock"},
		},
		{
			name: "unknown kind",
			tx:   ledger.Transaction{Kind: "refund", Amount: decimal.NewFromInt(5), Currency: "ETB", Provider: "mock"},
		},
		{
			name: "unknown provider",
			tx:   ledger.Transaction{Kind: ledger.KindDeposit, Amount: decimal.NewFromInt(5), Currency: "ETB", Provider: "paypal"},
		},
		{
			name: "unsupported currency",
			tx:   ledger.Transaction{Kind: ledger.KindDeposit, Amount: decimal.NewFromInt(5), Currency: "EUR", Provider: "mock"},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tx := tt.tx
			tx.ID = int64(100 + i)
			tx.AccountID = 1
			tx.Status = ledger.StatusPending
			f.ledger.Put(tx)

			res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
			if res.Outcome != metrics.OutcomeFailed || res.Reason != ledger.ReasonInvalidRequest {
				t.Fatalf("Expected invalid_request failure, got %+v", res)
			}
			if !errors.Is(res.Err, ErrInvalidRequest) {
				t.Errorf("Expected ErrInvalidRequest, got %v", res.Err)
			}
			f.assertStatus(t, tx.ID, ledger.StatusFailed, ledger.ReasonInvalidRequest)

			if f.gateway.SettleCalls() != 0 || f.gateway.StatusCalls() != 0 {
				t.Error("Invalid transactions must not reach the provider")
			}
		})
	}
}

func TestTransientErrorsThenSuccess(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindDeposit, "12", "ETB")

	calls := 0
	f.gateway.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		calls++
		if calls < 3 {
			return provider.Result{}, mock.ErrProviderDown
		}
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: "OK-3"}, nil
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted {
		t.Fatalf("Expected completed, got %+v", res)
	}
	if f.gateway.DepositCalls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", f.gateway.DepositCalls())
	}
	if got := f.metrics.Snapshot().Retries["provider_transient"]; got != 2 {
		t.Errorf("Expected 2 recorded retries, got %d", got)
	}
	f.assertBalance(t, tx.AccountID, "12", "0")
}

func TestRetryableDeclineIsRetried(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindDeposit, "12", "ETB")

	calls := 0
	f.gateway.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		calls++
		if calls == 1 {
			return provider.Result{Status: provider.StatusFailed, Reason: "busy", Retryable: true}, nil
		}
		return provider.Result{Status: provider.StatusSucceeded}, nil
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted || f.gateway.DepositCalls() != 2 {
		t.Fatalf("Expected completion on the second attempt, got %+v after %d calls", res, f.gateway.DepositCalls())
	}
}

func TestTransientErrorsExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindWithdraw, "40", "ETB")
	f.fund(t, tx.AccountID, "100")

	f.gateway.SettleWithdrawFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{}, mock.ErrProviderDown
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeFailed || res.Reason != ledger.ReasonProviderUnavailable {
		t.Fatalf("Expected provider_unavailable, got %+v", res)
	}
	if f.gateway.WithdrawCalls() != testConfig().MaxAttempts {
		t.Errorf("Expected %d attempts, got %d", testConfig().MaxAttempts, f.gateway.WithdrawCalls())
	}
	// Initial probe plus the confirmation probe before giving up
	if f.gateway.StatusCalls() != 2 {
		t.Errorf("Expected 2 status probes, got %d", f.gateway.StatusCalls())
	}

	f.assertStatus(t, tx.ID, ledger.StatusFailed, ledger.ReasonProviderUnavailable)
	f.assertBalance(t, tx.AccountID, "100", "0")
}

func TestExhaustedButSettledCompletes(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindWithdraw, "40", "ETB")
	f.fund(t, tx.AccountID, "100")

	settled := false
	f.gateway.SettleWithdrawFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		// The payout goes through but the response is lost
		settled = true
		return provider.Result{}, mock.ErrProviderDown
	}
	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		if settled {
			return provider.Result{Status: provider.StatusSucceeded, ExternalRef: "LATE"}, nil
		}
		return provider.Result{Status: provider.StatusNotFound}, nil
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted || res.ExternalRef != "LATE" {
		t.Fatalf("Expected completion from the confirmation probe, got %+v", res)
	}
	f.assertBalance(t, tx.AccountID, "60", "0")
}

func TestExhaustedKeepsProviderReason(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindWithdraw, "40", "ETB")
	f.fund(t, tx.AccountID, "100")

	attempted := false
	f.gateway.SettleWithdrawFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		attempted = true
		return provider.Result{}, mock.ErrProviderDown
	}
	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		if attempted {
			return provider.Result{Status: provider.StatusFailed, Reason: "recipient_blocked"}, nil
		}
		return provider.Result{Status: provider.StatusNotFound}, nil
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeFailed || res.Reason != "recipient_blocked" {
		t.Fatalf("Expected failure with the provider's reason, got %+v", res)
	}
	f.assertStatus(t, tx.ID, ledger.StatusFailed, "recipient_blocked")
	f.assertBalance(t, tx.AccountID, "100", "0")
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindWithdraw, "40", "ETB")
	f.fund(t, tx.AccountID, "100")

	f.gateway.SettleWithdrawFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{}, provider.Permanent(errors.New("invalid destination"))
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeFailed || res.Reason != ledger.ReasonProviderRejected {
		t.Fatalf("Expected provider_rejected, got %+v", res)
	}
	if f.gateway.WithdrawCalls() != 1 {
		t.Errorf("Permanent errors must not be retried, got %d calls", f.gateway.WithdrawCalls())
	}
	f.assertBalance(t, tx.AccountID, "100", "0")
}

func TestDeclinedSettlementKeepsProviderReason(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindDeposit, "40", "ETB")

	f.gateway.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusFailed, Reason: "card_declined"}, nil
	}

	res := f.rec.Process(context.Background(), queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeFailed || res.Reason != "card_declined" {
		t.Fatalf("Expected card_declined, got %+v", res)
	}
	f.assertBalance(t, tx.AccountID, "0", "0")
}

func TestPendingSettlementResolvedByProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindWithdraw, "30", "ETB")
	f.fund(t, tx.AccountID, "100")
	item := queue.FromTransaction(tx)

	f.gateway.SettleWithdrawFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusPending, ExternalRef: "P-1"}, nil
	}

	res := f.rec.Process(ctx, item)
	if res.Outcome != metrics.OutcomeRetry || res.Reason != "settlement_pending" {
		t.Fatalf("Expected pending retry, got %+v", res)
	}
	// Funds stay held while the payout is in flight
	f.assertBalance(t, tx.AccountID, "70", "30")

	f.gateway.StatusFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusSucceeded, ExternalRef: "P-1"}, nil
	}

	res = f.rec.Process(ctx, item)
	if res.Outcome != metrics.OutcomeCompleted {
		t.Fatalf("Expected completed on redelivery, got %+v", res)
	}
	f.assertBalance(t, tx.AccountID, "70", "0")
	if f.gateway.WithdrawCalls() != 1 {
		t.Errorf("Expected a single payout, got %d", f.gateway.WithdrawCalls())
	}
}

func TestPendingSettlementPostponesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindDeposit, "30", "ETB")

	f.gateway.SettleDepositFunc = func(ctx context.Context, req provider.Request) (provider.Result, error) {
		return provider.Result{Status: provider.StatusPending}, nil
	}

	time.Sleep(10 * time.Millisecond)
	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeRetry || res.RetryAfter != testConfig().PendingDelay {
		t.Fatalf("Expected pending retry after %v, got %+v", testConfig().PendingDelay, res)
	}

	got := f.assertStatus(t, tx.ID, ledger.StatusPending, "")
	if !got.UpdatedAt.After(tx.UpdatedAt) {
		t.Errorf("Expected updated_at to move past %v, got %v", tx.UpdatedAt, got.UpdatedAt)
	}
}

func TestLockTimeoutRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.insert(t, ledger.KindDeposit, "7", "ETB")

	lease, err := f.ledger.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LoadForUpdate failed: %v", err)
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeRetry || res.Reason != "lock_timeout" || res.Ack() {
		t.Fatalf("Expected lock_timeout retry, got %+v", res)
	}
	if !errors.Is(res.Err, ledger.ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout, got %v", res.Err)
	}
	if res.RetryAfter != testConfig().RetryDelay {
		t.Errorf("Expected retry delay %v, got %v", testConfig().RetryDelay, res.RetryAfter)
	}

	lease.Release()

	res = f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeCompleted {
		t.Fatalf("Expected completion after the lock is released, got %+v", res)
	}
}

func TestUnknownTransactionDiscarded(t *testing.T) {
	f := newFixture(t)

	res := f.rec.Process(context.Background(), queue.WorkItem{TransactionID: 999, Kind: "deposit", Provider: "mock"})
	if res.Outcome != metrics.OutcomeDiscarded || !res.Ack() {
		t.Fatalf("Expected discard, got %+v", res)
	}
	if !errors.Is(res.Err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", res.Err)
	}
}

func TestCancelledContextRetries(t *testing.T) {
	f := newFixture(t)
	tx := f.insert(t, ledger.KindDeposit, "7", "ETB")

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.SettleDepositFunc = func(callCtx context.Context, req provider.Request) (provider.Result, error) {
		cancel()
		return provider.Result{}, callCtx.Err()
	}

	res := f.rec.Process(ctx, queue.FromTransaction(tx))
	if res.Outcome != metrics.OutcomeRetry {
		t.Fatalf("Shutdown must not fail the transaction, got %+v", res)
	}
	f.assertStatus(t, tx.ID, ledger.StatusPending, "")
}

func TestOutcomeMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok := f.insert(t, ledger.KindDeposit, "1", "ETB")
	broke := f.insert(t, ledger.KindWithdraw, "1", "ETB")

	f.rec.Process(ctx, queue.FromTransaction(ok))
	f.rec.Process(ctx, queue.FromTransaction(broke))
	f.rec.Process(ctx, queue.FromTransaction(ok))

	snap := f.metrics.Snapshot()
	if snap.Outcomes[metrics.OutcomeCompleted] != 1 ||
		snap.Outcomes[metrics.OutcomeFailed] != 1 ||
		snap.Outcomes[metrics.OutcomeDiscarded] != 1 {
		t.Errorf("Unexpected outcomes %v", snap.Outcomes)
	}
	if snap.Reasons[ledger.ReasonInsufficientFunds] != 1 {
		t.Errorf("Unexpected reasons %v", snap.Reasons)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(nil, balancememory.New("x"), provider.NewRegistry(), testConfig()); err == nil {
		t.Error("Expected missing ledger to be rejected")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}

	bad := []Config{
		func() Config { c := DefaultConfig(); c.ProviderTimeout = 0; return c }(),
		func() Config { c := DefaultConfig(); c.MaxAttempts = 0; return c }(),
		func() Config { c := DefaultConfig(); c.MaxBackoff = -time.Second; return c }(),
		func() Config { c := DefaultConfig(); c.PendingDelay = -time.Second; return c }(),
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
}

func TestLongestDelivery(t *testing.T) {
	// Probe, three attempts, two backoff waits, final probe
	if got := DefaultConfig().LongestDelivery(); got != 54*time.Second {
		t.Errorf("Expected 54s, got %v", got)
	}
}
