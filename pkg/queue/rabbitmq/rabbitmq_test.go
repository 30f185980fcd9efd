package rabbitmq

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"wallet-settlement/pkg/queue"
	"wallet-settlement/pkg/queue/queuetest"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel is an in-process broker for one queue and its dead letter queue.
type fakeChannel struct {
	mu          sync.Mutex
	declared    map[string]amqp.Table
	ready       []amqp.Delivery
	unacked     map[uint64]amqp.Delivery
	dead        []amqp.Delivery
	confirms    chan amqp.Confirmation
	nextTag     uint64
	nackPublish bool
	closed      bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		declared: make(map[string]amqp.Table),
		unacked:  make(map[uint64]amqp.Delivery),
	}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return amqp.Queue{Name: name, Messages: len(f.ready)}, nil
}

func (f *fakeChannel) Confirm(noWait bool) error { return nil }

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = confirm
	return confirm
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	f.nextTag++
	tag := f.nextTag
	if !f.nackPublish {
		f.ready = append(f.ready, amqp.Delivery{
			Acknowledger: f,
			DeliveryTag:  tag,
			MessageId:    msg.MessageId,
			Body:         msg.Body,
		})
	}
	ack := !f.nackPublish
	f.mu.Unlock()

	f.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: ack}
	return nil
}

func (f *fakeChannel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ready) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := f.ready[0]
	f.ready = f.ready[1:]
	f.unacked[d.DeliveryTag] = d
	return d, true, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unacked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.unacked[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(f.unacked, tag)
	if requeue {
		d.Redelivered = true
		f.ready = append(f.ready, d)
	} else {
		f.dead = append(f.dead, d)
	}
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func newFakeQueue(t *testing.T) (*Queue, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	q, err := New(ch, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return q, ch
}

func TestQueueSuite_Fake(t *testing.T) {
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		q, _ := newFakeQueue(t)
		return q
	}, queuetest.Options{})
}

func TestTopology(t *testing.T) {
	q, ch := newFakeQueue(t)
	defer q.Close()

	if _, ok := ch.declared["payments.dlq"]; !ok {
		t.Error("Expected dead letter queue to be declared")
	}
	args := ch.declared["payments"]
	if args["x-dead-letter-routing-key"] != "payments.dlq" {
		t.Errorf("Expected main queue to dead-letter into payments.dlq, got %v", args)
	}
}

func TestRedeliveredFlag(t *testing.T) {
	q, _ := newFakeQueue(t)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, queue.WorkItem{TransactionID: 1})
	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if d.Redelivered {
		t.Error("Expected fresh delivery")
	}
	d.Nack(ctx, time.Second)

	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if !again.Redelivered {
		t.Error("Expected broker redelivered flag to be carried")
	}
}

func TestMalformedGoesToDeadLetter(t *testing.T) {
	q, ch := newFakeQueue(t)
	defer q.Close()

	ch.mu.Lock()
	ch.nextTag++
	ch.ready = append(ch.ready, amqp.Delivery{Acknowledger: ch, DeliveryTag: ch.nextTag, MessageId: uuid.NewString(), Body: []byte("{}")})
	ch.mu.Unlock()

	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
	if len(ch.dead) != 1 {
		t.Errorf("Expected message in dead letter queue, got %d", len(ch.dead))
	}
}

func TestPublishNacked(t *testing.T) {
	q, ch := newFakeQueue(t)
	defer q.Close()
	ch.nackPublish = true

	err := q.Enqueue(context.Background(), queue.WorkItem{TransactionID: 1})
	if !errors.Is(err, ErrPublishNacked) {
		t.Errorf("Expected ErrPublishNacked, got %v", err)
	}
}

func TestClosed(t *testing.T) {
	q, ch := newFakeQueue(t)
	q.Close()

	if !ch.closed {
		t.Error("Expected channel to be closed")
	}
	if err := q.Enqueue(context.Background(), queue.WorkItem{TransactionID: 1}); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, queue.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestLen(t *testing.T) {
	q, _ := newFakeQueue(t)
	defer q.Close()
	ctx := context.Background()

	q.Enqueue(ctx, queue.WorkItem{TransactionID: 1})
	q.Enqueue(ctx, queue.WorkItem{TransactionID: 2})
	if n, err := q.Len(ctx); err != nil || n != 2 {
		t.Errorf("Expected 2, got %d (%v)", n, err)
	}
}

// TestQueueSuite_Broker runs against a real broker at RABBITMQ_TEST_URL.
func TestQueueSuite_Broker(t *testing.T) {
	url := os.Getenv("RABBITMQ_TEST_URL")
	if url == "" {
		t.Skip("RABBITMQ_TEST_URL not set")
	}
	queuetest.Run(t, func(t *testing.T) queue.Queue {
		config := DefaultConfig()
		config.URL = url
		config.Queue = "payments-test-" + uuid.NewString()
		q, err := Dial(config)
		if err != nil {
			t.Skipf("RabbitMQ not available: %v", err)
		}
		return q
	}, queuetest.Options{})
}
