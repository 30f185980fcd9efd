// Package queue carries settlement work items from intake to the
// reconciler. Delivery is at least once: an item that is not acknowledged
// comes back, so consumers must be idempotent on the transaction id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wallet-settlement/pkg/ledger"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmpty is returned by Dequeue when nothing is ready.
	ErrEmpty = errors.New("queue: empty")

	// ErrClosed is returned when using a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrQueueFull is returned when a bounded queue stays full past its wait time.
	ErrQueueFull = errors.New("queue: full, item dropped")

	// ErrMalformed is returned when a message cannot be decoded. The
	// message has already been removed from the queue.
	ErrMalformed = errors.New("queue: malformed message")

	// ErrSettled is returned when a delivery is acked or nacked twice.
	ErrSettled = errors.New("queue: delivery already settled")
)

// WorkItem asks the reconciler to settle one transaction. It points at the
// ledger row; the row is authoritative if they disagree.
type WorkItem struct {
	TransactionID int64           `json:"transaction_id"`
	AccountID     int64           `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Kind          string          `json:"kind"`
	Provider      string          `json:"provider"`
}

// FromTransaction builds the work item for a ledger transaction.
func FromTransaction(tx ledger.Transaction) WorkItem {
	return WorkItem{
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Kind:          string(tx.Kind),
		Provider:      tx.Provider,
	}
}

// Encode returns the JSON wire form. Amounts are encoded as strings.
func (w WorkItem) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// Decode parses the JSON wire form.
func Decode(data []byte) (WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal(data, &w); err != nil {
		return WorkItem{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.TransactionID <= 0 {
		return WorkItem{}, fmt.Errorf("%w: missing transaction_id", ErrMalformed)
	}
	return w, nil
}

// Queue is a durable at-least-once channel of work items.
type Queue interface {
	// Enqueue adds an item.
	Enqueue(ctx context.Context, item WorkItem) error

	// Dequeue takes the next ready item without blocking. Returns ErrEmpty
	// when nothing is ready. The item stays invisible to other consumers
	// until the delivery is acked, nacked or times out.
	Dequeue(ctx context.Context) (*Delivery, error)

	// Len reports how many items are ready.
	Len(ctx context.Context) (int, error)

	Name() string
	Close() error
}

// Delivery is one receipt of a work item.
type Delivery struct {
	Item WorkItem

	// Redelivered is true when the backend knows this item was handed out
	// before. Backends that cannot tell report false.
	Redelivered bool

	mu      sync.Mutex
	settled bool
	ack     func(ctx context.Context) error
	nack    func(ctx context.Context, delay time.Duration) error
}

// NewDelivery wraps backend-specific acknowledgement callbacks.
func NewDelivery(item WorkItem, redelivered bool, ack func(context.Context) error, nack func(context.Context, time.Duration) error) *Delivery {
	return &Delivery{Item: item, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack removes the item from the queue for good.
func (d *Delivery) Ack(ctx context.Context) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.ack(ctx)
}

// Nack hands the item back for redelivery after delay. Backends without
// delayed redelivery requeue immediately.
func (d *Delivery) Nack(ctx context.Context, delay time.Duration) error {
	if err := d.settle(); err != nil {
		return err
	}
	return d.nack(ctx, delay)
}

func (d *Delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrSettled
	}
	d.settled = true
	return nil
}
