package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	balancememory "wallet-settlement/pkg/balance/memory"
	"wallet-settlement/pkg/ledger"
	ledgermemory "wallet-settlement/pkg/ledger/memory"
	metricsmemory "wallet-settlement/pkg/metrics/memory"
	"wallet-settlement/pkg/provider"
	"wallet-settlement/pkg/provider/mock"
	"wallet-settlement/pkg/queue"
	queuememory "wallet-settlement/pkg/queue/memory"

	"github.com/shopspring/decimal"
)

type fixture struct {
	ledger   *ledgermemory.Ledger
	balances *balancememory.Store
	queue    *queuememory.Queue
	metrics  *metricsmemory.Collector
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:   ledgermemory.New(ledgermemory.DefaultConfig()),
		balances: balancememory.New("test"),
		queue:    queuememory.New(queuememory.Config{Name: "intake-test"}),
		metrics:  metricsmemory.NewCollector(),
	}
	t.Cleanup(func() { f.queue.Close() })

	f.svc = f.newService(t, f.queue, DefaultConfig())
	return f
}

func (f *fixture) newService(t *testing.T, q queue.Queue, config Config) *Service {
	t.Helper()
	registry := provider.NewRegistry(mock.NewGateway("telebirr"), mock.NewGateway("okx"))
	config.Metrics = f.metrics
	svc, err := New(f.ledger, f.balances, q, registry, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return svc
}

func (f *fixture) transactions(t *testing.T) int64 {
	t.Helper()
	stats, err := f.ledger.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	return stats.Transactions
}

// failingQueue refuses every enqueue.
type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(ctx context.Context, item queue.WorkItem) error {
	return queue.ErrQueueFull
}

func TestDepositAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receipt, err := f.svc.Deposit(ctx, Request{
		OwnerID:     "alice",
		Amount:      "50",
		Currency:    "etb",
		Provider:    "telebirr",
		Destination: "+251912345678",
	})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	tx := receipt.Transaction
	if receipt.Duplicate || tx.Status != ledger.StatusPending || tx.Kind != ledger.KindDeposit {
		t.Errorf("Unexpected receipt %+v", receipt)
	}
	if tx.Currency != "ETB" || !tx.Amount.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected 50 ETB, got %s %s", tx.Amount, tx.Currency)
	}
	if tx.Metadata[provider.MetaDestination] != "+251912345678" {
		t.Errorf("Expected destination in metadata, got %v", tx.Metadata)
	}

	d, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if d.Item.TransactionID != tx.ID || d.Item.AccountID != tx.AccountID || !d.Item.Amount.Equal(tx.Amount) || d.Item.Kind != "deposit" {
		t.Errorf("Queued item %+v does not match transaction %+v", d.Item, tx)
	}

	if f.metrics.Snapshot().Accepted != 1 {
		t.Errorf("Expected one accepted request, got %d", f.metrics.Snapshot().Accepted)
	}
}

func TestDefaultCurrency(t *testing.T) {
	f := newFixture(t)

	receipt, err := f.svc.Deposit(context.Background(), Request{OwnerID: "alice", Amount: "1", Provider: "telebirr"})
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if receipt.Transaction.Currency != "ETB" {
		t.Errorf("Expected default currency ETB, got %s", receipt.Transaction.Currency)
	}
}

func TestInvalidRequestsRejected(t *testing.T) {
	valid := Request{OwnerID: "alice", Kind: "withdraw", Amount: "5", Currency: "USDT", Provider: "okx", Destination: "TXyz"}

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"negative amount", func(r *Request) { r.Amount = "-5" }},
		{"zero amount", func(r *Request) { r.Amount = "0" }},
		{"not a number", func(r *Request) { r.Amount = "five" }},
		{"too precise", func(r *Request) { r.Amount = "0.000000001" }},
		{"unsupported currency", func(r *Request) { r.Currency = "EUR" }},
		{"unknown kind", func(r *Request) { r.Kind = "refund" }},
		{"unknown provider", func(r *Request) { r.Provider = "paypal" }},
		{"missing owner", func(r *Request) { r.OwnerID = " " }},
		{"missing destination", func(r *Request) { r.Destination = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.balances.ApplyDelta(context.Background(), 1, decimal.NewFromInt(100))

			req := valid
			tt.mutate(&req)

			_, err := f.svc.Submit(context.Background(), req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Expected ErrInvalidRequest, got %v", err)
			}
			if n, _ := f.queue.Len(context.Background()); n != 0 {
				t.Errorf("Expected nothing queued, got %d", n)
			}
			if n := f.transactions(t); n != 0 {
				t.Errorf("Expected nothing recorded, got %d transactions", n)
			}
			if f.metrics.Snapshot().Rejected[ReasonInvalidRequest] != 1 {
				t.Errorf("Expected rejection metric, got %v", f.metrics.Snapshot().Rejected)
			}
		})
	}
}

func TestWithdrawSoftBalanceCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, _ := f.ledger.EnsureAccount(ctx, "alice", "ETB")
	f.balances.ApplyDelta(ctx, acct.ID, decimal.NewFromInt(10))

	req := Request{OwnerID: "alice", Amount: "50", Currency: "ETB", Provider: "telebirr", Destination: "+251911"}

	if _, err := f.svc.Withdraw(ctx, req); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if f.transactions(t) != 0 {
		t.Error("A rejected withdrawal must not be recorded")
	}

	// Without the pre-check the reconciler makes the call
	lenient := DefaultConfig()
	lenient.SoftBalanceCheck = false
	svc := f.newService(t, f.queue, lenient)
	if _, err := svc.Withdraw(ctx, req); err != nil {
		t.Fatalf("Expected withdrawal to be accepted, got %v", err)
	}

	req.Amount = "10"
	if _, err := f.svc.Withdraw(ctx, req); err != nil {
		t.Errorf("Expected withdrawal of the full balance to be accepted, got %v", err)
	}
}

func TestIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{OwnerID: "alice", Amount: "20", Currency: "USD", Provider: "telebirr", IdempotencyKey: "msg-1001"}

	first, err := f.svc.Deposit(ctx, req)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	second, err := f.svc.Deposit(ctx, req)
	if err != nil {
		t.Fatalf("Repeated deposit failed: %v", err)
	}

	if !second.Duplicate || second.Transaction.ID != first.Transaction.ID {
		t.Errorf("Expected duplicate of %d, got %+v", first.Transaction.ID, second)
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Errorf("Expected a single queued item, got %d", n)
	}

	// A new process has an empty key filter and relies on the ledger
	restarted := f.newService(t, f.queue, DefaultConfig())
	third, err := restarted.Deposit(ctx, req)
	if err != nil {
		t.Fatalf("Deposit after restart failed: %v", err)
	}
	if !third.Duplicate || third.Transaction.ID != first.Transaction.ID {
		t.Errorf("Expected duplicate after restart, got %+v", third)
	}
	if n, _ := f.queue.Len(ctx); n != 1 {
		t.Errorf("Expected a single queued item, got %d", n)
	}
}

func TestEnqueueFailureThenRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := f.newService(t, failingQueue{Queue: f.queue}, DefaultConfig())
	receipt, err := broken.Deposit(ctx, Request{OwnerID: "alice", Amount: "3", Provider: "telebirr"})
	if !errors.Is(err, ErrEnqueueFailed) {
		t.Fatalf("Expected ErrEnqueueFailed, got %v", err)
	}
	if receipt.Transaction.ID == 0 || receipt.Transaction.Status != ledger.StatusPending {
		t.Errorf("Expected the pending transaction in the receipt, got %+v", receipt)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("Expected nothing queued, got %d", n)
	}

	queued, err := f.svc.RequeuePending(ctx, 0)
	if err != nil {
		t.Fatalf("RequeuePending failed: %v", err)
	}
	if queued != 1 {
		t.Errorf("Expected 1 requeued transaction, got %d", queued)
	}

	d, err := f.queue.Dequeue(ctx)
	if err != nil || d.Item.TransactionID != receipt.Transaction.ID {
		t.Errorf("Expected transaction %d to be queued, got %v %v", receipt.Transaction.ID, d, err)
	}
}

func TestRequeueSkipsRecentAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done, _ := f.svc.Deposit(ctx, Request{OwnerID: "alice", Amount: "1", Provider: "telebirr"})
	f.svc.Deposit(ctx, Request{OwnerID: "alice", Amount: "2", Provider: "telebirr"})
	f.ledger.MarkCompleted(ctx, done.Transaction.ID, "ref")

	queued, err := f.svc.RequeuePending(ctx, time.Hour)
	if err != nil || queued != 0 {
		t.Errorf("Expected nothing old enough to requeue, got %d %v", queued, err)
	}

	queued, err = f.svc.RequeuePending(ctx, 0)
	if err != nil || queued != 1 {
		t.Errorf("Expected only the pending transaction to be requeued, got %d %v", queued, err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	bad := DefaultConfig()
	bad.FalsePositiveRate = 1
	if err := bad.Validate(); err == nil {
		t.Error("Expected false positive rate of 1 to be rejected")
	}
}
