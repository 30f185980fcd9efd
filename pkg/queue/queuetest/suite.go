// Package queuetest holds behavioural tests shared by queue.Queue
// implementations.
package queuetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wallet-settlement/pkg/queue"

	"github.com/shopspring/decimal"
)

// Options describes what a backend supports.
type Options struct {
	// Visibility is the in-flight timeout the factory configured. Zero
	// skips the visibility timeout test for backends without one.
	Visibility time.Duration

	// Settle is how long to wait for a nacked item to become ready again.
	Settle time.Duration
}

// Factory returns an empty queue for one test.
type Factory func(t *testing.T) queue.Queue

// Run executes the shared suite.
func Run(t *testing.T, newQueue Factory, opts Options) {
	if opts.Settle <= 0 {
		opts.Settle = 2 * time.Second
	}
	t.Run("Empty", func(t *testing.T) { testEmpty(t, newQueue(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newQueue(t)) })
	t.Run("AckRemoves", func(t *testing.T) { testAckRemoves(t, newQueue(t)) })
	t.Run("NackRedelivers", func(t *testing.T) { testNackRedelivers(t, newQueue(t), opts) })
	t.Run("ConcurrentConsumers", func(t *testing.T) { testConcurrentConsumers(t, newQueue(t)) })
	if opts.Visibility > 0 {
		t.Run("VisibilityTimeout", func(t *testing.T) { testVisibilityTimeout(t, newQueue(t), opts) })
	}
}

func item(id int64) queue.WorkItem {
	return queue.WorkItem{
		TransactionID: id,
		AccountID:     100 + id,
		Amount:        decimal.RequireFromString("80.5"),
		Currency:      "ETB",
		Kind:          "withdraw",
		Provider:      "telebirr",
	}
}

// waitFor polls Dequeue until an item arrives or timeout passes.
func waitFor(t *testing.T, q queue.Queue, timeout time.Duration) *queue.Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		d, err := q.Dequeue(context.Background())
		if err == nil {
			return d
		}
		if !errors.Is(err, queue.ErrEmpty) {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("No delivery within %v", timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func testEmpty(t *testing.T, q queue.Queue) {
	defer q.Close()

	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("Expected ErrEmpty, got %v", err)
	}
}

func testRoundTrip(t *testing.T, q queue.Queue) {
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, item(42)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d := waitFor(t, q, 2*time.Second)
	if d.Item.TransactionID != 42 || d.Item.AccountID != 142 {
		t.Errorf("Unexpected item: %+v", d.Item)
	}
	if !d.Item.Amount.Equal(decimal.RequireFromString("80.5")) {
		t.Errorf("Expected amount 80.5, got %s", d.Item.Amount)
	}
	if d.Item.Kind != "withdraw" || d.Item.Provider != "telebirr" || d.Item.Currency != "ETB" {
		t.Errorf("Unexpected item fields: %+v", d.Item)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func testAckRemoves(t *testing.T, q queue.Queue) {
	defer q.Close()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(ctx, item(i)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	seen := make(map[int64]bool)
	for i := 0; i < 3; i++ {
		d := waitFor(t, q, 2*time.Second)
		seen[d.Item.TransactionID] = true
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
	if len(seen) != 3 {
		t.Errorf("Expected 3 distinct items, got %v", seen)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("Expected ErrEmpty after acking everything, got %v", err)
	}
}

func testNackRedelivers(t *testing.T, q queue.Queue, opts Options) {
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, item(7)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d := waitFor(t, q, 2*time.Second)
	if err := d.Nack(ctx, 0); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	again := waitFor(t, q, opts.Settle)
	if again.Item.TransactionID != 7 {
		t.Errorf("Expected redelivery of 7, got %d", again.Item.TransactionID)
	}
	if err := again.Ack(ctx); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func testConcurrentConsumers(t *testing.T, q queue.Queue) {
	defer q.Close()
	ctx := context.Background()
	const n = 20

	for i := int64(1); i <= n; i++ {
		if err := q.Enqueue(ctx, item(i)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	deadline := time.Now().Add(5 * time.Second)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				mu.Lock()
				done := len(seen) == n
				mu.Unlock()
				if done {
					return
				}
				d, err := q.Dequeue(ctx)
				if errors.Is(err, queue.ErrEmpty) {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				if err != nil {
					t.Errorf("Dequeue failed: %v", err)
					return
				}
				mu.Lock()
				seen[d.Item.TransactionID]++
				mu.Unlock()
				d.Ack(ctx)
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("Expected %d items, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("Item %d delivered %d times to concurrent consumers", id, count)
		}
	}
}

func testVisibilityTimeout(t *testing.T, q queue.Queue, opts Options) {
	defer q.Close()
	ctx := context.Background()

	if err := q.Enqueue(ctx, item(11)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Take the item and never settle it, as a crashed worker would
	waitFor(t, q, 2*time.Second)

	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("Expected item to be invisible while in flight, got %v", err)
	}

	again := waitFor(t, q, opts.Visibility+opts.Settle)
	if again.Item.TransactionID != 11 {
		t.Errorf("Expected redelivery of 11, got %d", again.Item.TransactionID)
	}
	again.Ack(ctx)
}
