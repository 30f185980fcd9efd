// Package balancetest holds behavioural tests shared by every balance.Store
// implementation.
package balancetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"wallet-settlement/pkg/balance"

	"github.com/shopspring/decimal"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) balance.Store

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ApplyDelta", func(t *testing.T) { testApplyDelta(t, newStore(t)) })
	t.Run("ConcurrentWithdrawals", func(t *testing.T) { testConcurrentWithdrawals(t, newStore(t)) })
	t.Run("Conservation", func(t *testing.T) { testConservation(t, newStore(t)) })
	t.Run("ApplyOnce", func(t *testing.T) { testApplyOnce(t, newStore(t)) })
	t.Run("ReserveRelease", func(t *testing.T) { testReserveRelease(t, newStore(t)) })
	t.Run("ReserveCapture", func(t *testing.T) { testReserveCapture(t, newStore(t)) })
	t.Run("ConcurrentReserves", func(t *testing.T) { testConcurrentReserves(t, newStore(t)) })
	t.Run("InvalidInput", func(t *testing.T) { testInvalidInput(t, newStore(t)) })
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func expectBalance(t *testing.T, s balance.Store, accountID int64, available, reserved string) {
	t.Helper()
	b, err := s.Read(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !b.Available.Equal(d(available)) {
		t.Errorf("Expected available %s, got %s", available, b.Available)
	}
	if !b.Reserved.Equal(d(reserved)) {
		t.Errorf("Expected reserved %s, got %s", reserved, b.Reserved)
	}
}

func testApplyDelta(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	expectBalance(t, s, 1, "0", "0")

	got, err := s.ApplyDelta(ctx, 1, d("100"))
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if !got.Equal(d("100")) {
		t.Errorf("Expected 100 after deposit, got %s", got)
	}

	got, err = s.ApplyDelta(ctx, 1, d("-30.5"))
	if err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if !got.Equal(d("69.5")) {
		t.Errorf("Expected 69.5 after withdraw, got %s", got)
	}

	_, err = s.ApplyDelta(ctx, 1, d("-69.50000001"))
	if !balance.IsInsufficientFunds(err) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	expectBalance(t, s, 1, "69.5", "0")

	// Other accounts are independent
	expectBalance(t, s, 2, "0", "0")
}

func testConcurrentWithdrawals(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.ApplyDelta(ctx, 7, d("100")); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	var wg sync.WaitGroup
	var ok, rejected int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ApplyDelta(ctx, 7, d("-80"))
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case balance.IsInsufficientFunds(err):
				atomic.AddInt64(&rejected, 1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || rejected != 1 {
		t.Errorf("Expected one success and one rejection, got %d/%d", ok, rejected)
	}
	expectBalance(t, s, 7, "20", "0")
}

func testConservation(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.ApplyDelta(ctx, 3, d("50")); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		deposits  = decimal.Zero
		withdraws = decimal.Zero
	)

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := d(fmt.Sprintf("%d.25", i%7+1))
			if i%2 == 1 {
				amount = amount.Neg()
			}
			if _, err := s.ApplyDelta(ctx, 3, amount); err != nil {
				if !balance.IsInsufficientFunds(err) {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			if amount.IsPositive() {
				deposits = deposits.Add(amount)
			} else {
				withdraws = withdraws.Add(amount.Neg())
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	want := d("50").Add(deposits).Sub(withdraws)
	expectBalance(t, s, 3, want.String(), "0")
}

func testApplyOnce(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m, err := s.ApplyOnce(ctx, 42, "tx-42", d("50"))
		if err != nil {
			t.Fatalf("ApplyOnce %d failed: %v", i, err)
		}
		if m.Replayed != (i > 0) {
			t.Errorf("Call %d: expected replayed=%v, got %v", i, i > 0, m.Replayed)
		}
		if !m.Balance.Available.Equal(d("50")) {
			t.Errorf("Call %d: expected 50 available, got %s", i, m.Balance.Available)
		}
	}

	_, err := s.ApplyOnce(ctx, 42, "tx-43", d("-60"))
	if !balance.IsInsufficientFunds(err) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	// A rejected op leaves no marker and can be retried once funds exist
	if _, err := s.ApplyDelta(ctx, 42, d("10")); err != nil {
		t.Fatalf("Top-up failed: %v", err)
	}
	m, err := s.ApplyOnce(ctx, 42, "tx-43", d("-60"))
	if err != nil || m.Replayed {
		t.Fatalf("Expected retried op to apply, got replayed=%v err=%v", m.Replayed, err)
	}
	expectBalance(t, s, 42, "0", "0")
}

func testReserveRelease(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.ApplyDelta(ctx, 5, d("100")); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	m, err := s.Reserve(ctx, 5, "tx-1", d("80"))
	if err != nil || m.Replayed {
		t.Fatalf("Reserve failed: replayed=%v err=%v", m.Replayed, err)
	}
	expectBalance(t, s, 5, "20", "80")

	m, err = s.Reserve(ctx, 5, "tx-1", d("80"))
	if err != nil || !m.Replayed {
		t.Fatalf("Expected replayed reserve, got replayed=%v err=%v", m.Replayed, err)
	}
	expectBalance(t, s, 5, "20", "80")

	if _, err := s.Reserve(ctx, 5, "tx-2", d("20.00000001")); !balance.IsInsufficientFunds(err) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	for i := 0; i < 2; i++ {
		m, err = s.Release(ctx, 5, "tx-1")
		if err != nil {
			t.Fatalf("Release %d failed: %v", i, err)
		}
		if m.Replayed != (i > 0) {
			t.Errorf("Release %d: expected replayed=%v, got %v", i, i > 0, m.Replayed)
		}
	}
	expectBalance(t, s, 5, "100", "0")

	// Releasing a hold that never existed changes nothing
	m, err = s.Release(ctx, 5, "tx-unknown")
	if err != nil || !m.Replayed {
		t.Fatalf("Expected no-op release, got replayed=%v err=%v", m.Replayed, err)
	}
	expectBalance(t, s, 5, "100", "0")
}

func testReserveCapture(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.ApplyDelta(ctx, 9, d("100")); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if _, err := s.Reserve(ctx, 9, "tx-9", d("80")); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	m, err := s.Capture(ctx, 9, "tx-9")
	if err != nil || m.Replayed {
		t.Fatalf("Capture failed: replayed=%v err=%v", m.Replayed, err)
	}
	expectBalance(t, s, 9, "20", "0")

	m, err = s.Capture(ctx, 9, "tx-9")
	if err != nil || !m.Replayed {
		t.Fatalf("Expected replayed capture, got replayed=%v err=%v", m.Replayed, err)
	}

	// A captured hold cannot be reserved again
	m, err = s.Reserve(ctx, 9, "tx-9", d("10"))
	if err != nil || !m.Replayed {
		t.Fatalf("Expected reserve after capture to be a no-op, got replayed=%v err=%v", m.Replayed, err)
	}

	// Nor released back into available
	if _, err := s.Release(ctx, 9, "tx-9"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	expectBalance(t, s, 9, "20", "0")
}

func testConcurrentReserves(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.ApplyDelta(ctx, 11, d("100")); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	var wg sync.WaitGroup
	var ok int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Reserve(ctx, 11, fmt.Sprintf("tx-%d", i), d("30"))
			if err == nil {
				atomic.AddInt64(&ok, 1)
				return
			}
			if !balance.IsInsufficientFunds(err) {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 3 {
		t.Errorf("Expected exactly 3 reservations of 30 out of 100, got %d", ok)
	}
	expectBalance(t, s, 11, "10", "90")
}

func testInvalidInput(t *testing.T, s balance.Store) {
	defer s.Close()
	ctx := context.Background()

	if _, err := s.ApplyOnce(ctx, 1, "", d("1")); !errors.Is(err, balance.ErrInvalidOperation) {
		t.Errorf("Expected ErrInvalidOperation for empty op id, got %v", err)
	}
	if _, err := s.Reserve(ctx, 1, "bad id", d("1")); !errors.Is(err, balance.ErrInvalidOperation) {
		t.Errorf("Expected ErrInvalidOperation for spaced hold id, got %v", err)
	}
	if _, err := s.Reserve(ctx, 1, "tx-1", d("-1")); !errors.Is(err, balance.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative reserve, got %v", err)
	}
	if _, err := s.ApplyDelta(ctx, 1, d("0.000000001")); !errors.Is(err, balance.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for sub-unit amount, got %v", err)
	}
}
