// Package ledgertest holds behavioural tests shared by every ledger.Ledger
// implementation.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wallet-settlement/pkg/ledger"

	"github.com/shopspring/decimal"
)

// Factory returns an empty ledger for one test. lockTimeout is the bound
// LoadForUpdate must honour.
type Factory func(t *testing.T, lockTimeout time.Duration) ledger.Ledger

// Run executes the shared suite.
func Run(t *testing.T, newLedger Factory) {
	t.Run("EnsureAccount", func(t *testing.T) { testEnsureAccount(t, newLedger(t, time.Second)) })
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newLedger(t, time.Second)) })
	t.Run("IdempotencyKey", func(t *testing.T) { testIdempotencyKey(t, newLedger(t, time.Second)) })
	t.Run("TerminalOnce", func(t *testing.T) { testTerminalOnce(t, newLedger(t, time.Second)) })
	t.Run("LeaseFinalize", func(t *testing.T) { testLeaseFinalize(t, newLedger(t, time.Second)) })
	t.Run("LeasePostpone", func(t *testing.T) { testLeasePostpone(t, newLedger(t, time.Second)) })
	t.Run("LeaseExclusive", func(t *testing.T) { testLeaseExclusive(t, newLedger(t, 200*time.Millisecond)) })
	t.Run("ConcurrentLeases", func(t *testing.T) { testConcurrentLeases(t, newLedger(t, 5*time.Second)) })
	t.Run("ListAndStats", func(t *testing.T) { testListAndStats(t, newLedger(t, time.Second)) })
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// uniq keeps owner ids and keys distinct across runs against a shared database.
var uniq int64

func owner(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), atomic.AddInt64(&uniq, 1))
}

func openTx(t *testing.T, l ledger.Ledger, kind ledger.Kind, amount string) ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	acct, err := l.EnsureAccount(ctx, owner("user"), "ETB")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	tx, err := l.InsertPending(ctx, ledger.NewTransaction{
		AccountID: acct.ID,
		Kind:      kind,
		Amount:    d(amount),
		Currency:  "ETB",
		Provider:  "simulated",
	})
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	return tx
}

func testEnsureAccount(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()
	who := owner("alice")

	a1, err := l.EnsureAccount(ctx, who, "ETB")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	a2, err := l.EnsureAccount(ctx, who, "ETB")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if a1.ID != a2.ID {
		t.Errorf("Expected same account for same owner and currency, got %d and %d", a1.ID, a2.ID)
	}

	a3, err := l.EnsureAccount(ctx, who, "USD")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	if a3.ID == a1.ID {
		t.Error("Expected a separate account per currency")
	}

	got, err := l.GetAccount(ctx, a3.ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.OwnerID != who || got.Currency != "USD" {
		t.Errorf("Unexpected account: %+v", got)
	}

	if _, err := l.GetAccount(ctx, 1<<40); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testInsertAndGet(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()

	acct, err := l.EnsureAccount(ctx, owner("bob"), "USDT")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}

	tx, err := l.InsertPending(ctx, ledger.NewTransaction{
		AccountID: acct.ID,
		Kind:      ledger.KindWithdraw,
		Amount:    d("12.34567891"),
		Currency:  "USDT",
		Provider:  "okx",
		Metadata:  map[string]string{"address": "TXyz"},
	})
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	if tx.ID == 0 || tx.Status != ledger.StatusPending {
		t.Fatalf("Expected pending transaction with id, got %+v", tx)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Amount.Equal(d("12.34567891")) {
		t.Errorf("Expected exact amount, got %s", got.Amount)
	}
	if got.Kind != ledger.KindWithdraw || got.Provider != "okx" || got.Currency != "USDT" {
		t.Errorf("Unexpected transaction: %+v", got)
	}
	if got.Metadata["address"] != "TXyz" {
		t.Errorf("Expected metadata to round trip, got %v", got.Metadata)
	}

	if _, err := l.Get(ctx, 1<<40); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = l.InsertPending(ctx, ledger.NewTransaction{
		AccountID: acct.ID,
		Kind:      ledger.KindWithdraw,
		Amount:    d("-5"),
		Currency:  "USDT",
		Provider:  "okx",
	})
	if !errors.Is(err, ledger.ErrInvalidTransaction) {
		t.Errorf("Expected ErrInvalidTransaction for negative amount, got %v", err)
	}
}

func testIdempotencyKey(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()

	acct, err := l.EnsureAccount(ctx, owner("carol"), "ETB")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	key := owner("key")
	n := ledger.NewTransaction{
		AccountID:      acct.ID,
		Kind:           ledger.KindDeposit,
		Amount:         d("10"),
		Currency:       "ETB",
		Provider:       "chapa",
		IdempotencyKey: key,
	}

	first, err := l.InsertPending(ctx, n)
	if err != nil {
		t.Fatalf("InsertPending failed: %v", err)
	}
	if _, err := l.InsertPending(ctx, n); !errors.Is(err, ledger.ErrDuplicateKey) {
		t.Fatalf("Expected ErrDuplicateKey, got %v", err)
	}

	found, err := l.FindByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("FindByIdempotencyKey failed: %v", err)
	}
	if found.ID != first.ID {
		t.Errorf("Expected transaction %d, got %d", first.ID, found.ID)
	}

	if _, err := l.FindByIdempotencyKey(ctx, owner("missing")); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := l.FindByIdempotencyKey(ctx, ""); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty key, got %v", err)
	}

	// Transactions without a key never collide
	n.IdempotencyKey = ""
	for i := 0; i < 2; i++ {
		if _, err := l.InsertPending(ctx, n); err != nil {
			t.Fatalf("InsertPending without key failed: %v", err)
		}
	}
}

func testTerminalOnce(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()
	tx := openTx(t, l, ledger.KindDeposit, "50")

	changed, err := l.MarkCompleted(ctx, tx.ID, "ref-1")
	if err != nil || !changed {
		t.Fatalf("Expected first MarkCompleted to change status, got changed=%v err=%v", changed, err)
	}

	changed, err = l.MarkFailed(ctx, tx.ID, ledger.ReasonProviderUnavailable)
	if err != nil {
		t.Fatalf("MarkFailed on terminal returned error: %v", err)
	}
	if changed {
		t.Error("Expected MarkFailed on completed transaction to be a no-op")
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ledger.StatusCompleted || got.ExternalRef != "ref-1" || got.FailureReason != "" {
		t.Errorf("Expected completed with ref-1, got %+v", got)
	}

	if _, err := l.MarkCompleted(ctx, 1<<40, "x"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown id, got %v", err)
	}
}

func testLeaseFinalize(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()
	tx := openTx(t, l, ledger.KindWithdraw, "80")

	lease, err := l.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LoadForUpdate failed: %v", err)
	}
	if lease.Transaction().ID != tx.ID || lease.Transaction().Status != ledger.StatusPending {
		t.Fatalf("Unexpected leased row: %+v", lease.Transaction())
	}
	if err := lease.MarkFailed(ctx, ledger.ReasonInsufficientFunds); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Errorf("Release after finalize returned error: %v", err)
	}
	if err := lease.MarkCompleted(ctx, "late"); !errors.Is(err, ledger.ErrLeaseClosed) {
		t.Errorf("Expected ErrLeaseClosed, got %v", err)
	}

	got, _ := l.Get(ctx, tx.ID)
	if got.Status != ledger.StatusFailed || got.FailureReason != ledger.ReasonInsufficientFunds {
		t.Errorf("Expected failed insufficient_funds, got %+v", got)
	}

	// A fresh lease on a terminal row sees the terminal status and cannot change it
	lease, err = l.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LoadForUpdate failed: %v", err)
	}
	if !lease.Transaction().Status.Terminal() {
		t.Errorf("Expected terminal status, got %s", lease.Transaction().Status)
	}
	if err := lease.MarkCompleted(ctx, "ref"); err != nil {
		t.Errorf("Expected no-op on terminal row, got %v", err)
	}
	got, _ = l.Get(ctx, tx.ID)
	if got.Status != ledger.StatusFailed {
		t.Errorf("Expected status to stay failed, got %s", got.Status)
	}

	if _, err := l.LoadForUpdate(ctx, 1<<40); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testLeasePostpone(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()
	tx := openTx(t, l, ledger.KindDeposit, "12")

	time.Sleep(20 * time.Millisecond)
	lease, err := l.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LoadForUpdate failed: %v", err)
	}
	if err := lease.Postpone(ctx); err != nil {
		t.Fatalf("Postpone failed: %v", err)
	}
	if err := lease.MarkCompleted(ctx, "late"); !errors.Is(err, ledger.ErrLeaseClosed) {
		t.Errorf("Expected ErrLeaseClosed after Postpone, got %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Errorf("Release after Postpone returned error: %v", err)
	}

	got, err := l.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != ledger.StatusPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if !got.UpdatedAt.After(tx.UpdatedAt) {
		t.Errorf("Expected updated_at to move past %v, got %v", tx.UpdatedAt, got.UpdatedAt)
	}

	// The row lock is free again
	again, err := l.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LoadForUpdate after Postpone failed: %v", err)
	}
	again.Release()
}

func testLeaseExclusive(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()
	tx := openTx(t, l, ledger.KindDeposit, "1")

	held, err := l.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("LoadForUpdate failed: %v", err)
	}

	start := time.Now()
	_, err = l.LoadForUpdate(ctx, tx.ID)
	if !errors.Is(err, ledger.ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout while lease held, got %v", err)
	}
	if !ledger.IsRetryable(err) {
		t.Error("Expected lock timeout to be retryable")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected bounded lock wait, waited %v", elapsed)
	}

	if err := held.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	again, err := l.LoadForUpdate(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Expected lease after release, got %v", err)
	}
	again.Release()

	got, _ := l.Get(ctx, tx.ID)
	if got.Status != ledger.StatusPending {
		t.Errorf("Expected release to leave status pending, got %s", got.Status)
	}
}

func testConcurrentLeases(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()
	tx := openTx(t, l, ledger.KindDeposit, "5")

	var (
		wg       sync.WaitGroup
		finished int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := l.LoadForUpdate(ctx, tx.ID)
			if err != nil {
				t.Errorf("LoadForUpdate failed: %v", err)
				return
			}
			defer lease.Release()
			if lease.Transaction().Status.Terminal() {
				return
			}
			if err := lease.MarkCompleted(ctx, fmt.Sprintf("ref-%d", i)); err != nil {
				t.Errorf("MarkCompleted failed: %v", err)
				return
			}
			atomic.AddInt64(&finished, 1)
		}(i)
	}
	wg.Wait()

	if finished != 1 {
		t.Errorf("Expected exactly one worker to finalize, got %d", finished)
	}
}

func testListAndStats(t *testing.T, l ledger.Ledger) {
	defer l.Close()
	ctx := context.Background()

	acct, err := l.EnsureAccount(ctx, owner("dave"), "BTC")
	if err != nil {
		t.Fatalf("EnsureAccount failed: %v", err)
	}
	var ids []int64
	for i, amount := range []string{"0.1", "0.2", "0.3"} {
		kind := ledger.KindDeposit
		if i == 2 {
			kind = ledger.KindWithdraw
		}
		tx, err := l.InsertPending(ctx, ledger.NewTransaction{
			AccountID: acct.ID, Kind: kind, Amount: d(amount), Currency: "BTC", Provider: "okx",
		})
		if err != nil {
			t.Fatalf("InsertPending failed: %v", err)
		}
		ids = append(ids, tx.ID)
	}
	if _, err := l.MarkCompleted(ctx, ids[0], "r0"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	all, err := l.List(ctx, ledger.Filter{AccountID: acct.ID})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 transactions, got %d", len(all))
	}
	if all[0].ID != ids[2] {
		t.Errorf("Expected newest first, got %d first", all[0].ID)
	}

	pending, _ := l.List(ctx, ledger.Filter{AccountID: acct.ID, Status: ledger.StatusPending})
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending, got %d", len(pending))
	}
	withdrawals, _ := l.List(ctx, ledger.Filter{AccountID: acct.ID, Kind: ledger.KindWithdraw})
	if len(withdrawals) != 1 {
		t.Errorf("Expected 1 withdrawal, got %d", len(withdrawals))
	}
	page, _ := l.List(ctx, ledger.Filter{AccountID: acct.ID, Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("Expected second transaction on page 2, got %+v", page)
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Transactions < 3 || stats.Accounts < 1 {
		t.Errorf("Expected at least 3 transactions and 1 account, got %+v", stats)
	}
	if stats.ByStatus[ledger.StatusCompleted] < 1 || stats.ByStatus[ledger.StatusPending] < 2 {
		t.Errorf("Unexpected status counts: %v", stats.ByStatus)
	}
	var sawBTC bool
	for _, v := range stats.Volumes {
		if v.Currency == "BTC" && v.Status == ledger.StatusPending && v.Sum.GreaterThanOrEqual(d("0.5")) {
			sawBTC = true
		}
	}
	if !sawBTC {
		t.Errorf("Expected pending BTC volume of at least 0.5, got %+v", stats.Volumes)
	}
}
