package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/queue"

	"github.com/google/uuid"
)

// Config configures the in-memory queue.
type Config struct {
	Name string `mapstructure:"name"`

	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int `mapstructure:"queue_size"`

	// MaxWaitTime is how long Enqueue waits when the queue is full before
	// giving up with queue.ErrQueueFull. 0 means the default (10ms).
	MaxWaitTime time.Duration `mapstructure:"max_wait_time"`

	// Visibility is how long a delivery stays invisible before it is
	// handed out again (default: 2m)
	Visibility time.Duration `mapstructure:"visibility"`

	// ReportInterval is how often queue depth is reported (default: 5s)
	ReportInterval time.Duration `mapstructure:"report_interval"`

	Metrics metrics.Collector `mapstructure:"-"`
}

// Stats provides statistics about queue operations.
type Stats struct {
	// Depth is the number of items ready to be dequeued
	Depth int

	// InFlight is the number of delivered, unsettled items
	InFlight int

	// Enqueued is the total number of items accepted
	Enqueued int64

	// Dropped is the total number of items rejected due to backpressure
	Dropped int64

	// Acked is the total number of deliveries acknowledged
	Acked int64

	// Redelivered is the total number of items handed back by nack or timeout
	Redelivered int64
}

type entry struct {
	item     queue.WorkItem
	attempts int
}

type inflight struct {
	entry    entry
	deadline time.Time
}

// Queue is a bounded in-process work queue with enqueue back-pressure and
// visibility timeouts. Nothing survives a restart; use it for tests and
// single-process development.
type Queue struct {
	config Config
	ready  chan entry

	mu       sync.Mutex
	retry    []entry
	inflight map[string]inflight
	timers   map[*time.Timer]struct{}

	ctx        context.Context
	cancelFunc context.CancelFunc
	reportStop chan struct{}
	wg         sync.WaitGroup

	// Statistics (accessed atomically)
	enqueued    int64
	dropped     int64
	acked       int64
	redelivered int64
}

// New creates an in-memory queue. It must be closed with Close().
func New(config Config) *Queue {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.Visibility <= 0 {
		config.Visibility = 2 * time.Minute
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = 5 * time.Second
	}
	config.Metrics = metrics.OrNoOp(config.Metrics)

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		config:     config,
		ready:      make(chan entry, config.QueueSize),
		inflight:   make(map[string]inflight),
		timers:     make(map[*time.Timer]struct{}),
		ctx:        ctx,
		cancelFunc: cancel,
		reportStop: make(chan struct{}),
	}

	q.wg.Add(1)
	go q.reportMetrics()

	return q
}

// Enqueue adds an item. If the queue is full, it waits up to MaxWaitTime
// before dropping the item with queue.ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, item queue.WorkItem) error {
	select {
	case <-q.ctx.Done():
		return queue.ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(q.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case q.ready <- entry{item: item}:
		atomic.AddInt64(&q.enqueued, 1)
		q.config.Metrics.RecordEnqueue(q.config.Name, true)
		return nil
	case <-timer.C:
		atomic.AddInt64(&q.dropped, 1)
		q.config.Metrics.RecordEnqueueDropped(q.config.Name)
		return queue.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return queue.ErrClosed
	}
}

// Dequeue implements queue.Queue.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-q.ctx.Done():
		return nil, queue.ErrClosed
	default:
	}

	q.requeueExpired(time.Now())

	e, ok := q.next()
	if !ok {
		return nil, queue.ErrEmpty
	}
	e.attempts++

	id := uuid.NewString()
	q.mu.Lock()
	q.inflight[id] = inflight{entry: e, deadline: time.Now().Add(q.config.Visibility)}
	q.mu.Unlock()

	return queue.NewDelivery(e.item, e.attempts > 1,
		func(context.Context) error {
			q.mu.Lock()
			defer q.mu.Unlock()
			if _, ok := q.inflight[id]; ok {
				delete(q.inflight, id)
				atomic.AddInt64(&q.acked, 1)
			}
			return nil
		},
		func(_ context.Context, delay time.Duration) error {
			q.nack(id, delay)
			return nil
		},
	), nil
}

// next takes a redelivered item first, then a fresh one.
func (q *Queue) next() (entry, bool) {
	q.mu.Lock()
	if len(q.retry) > 0 {
		e := q.retry[0]
		q.retry = q.retry[1:]
		q.mu.Unlock()
		return e, true
	}
	q.mu.Unlock()

	select {
	case e := <-q.ready:
		return e, true
	default:
		return entry{}, false
	}
}

func (q *Queue) requeueExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, f := range q.inflight {
		if now.After(f.deadline) {
			delete(q.inflight, id)
			q.retry = append(q.retry, f.entry)
			atomic.AddInt64(&q.redelivered, 1)
		}
	}
}

func (q *Queue) nack(id string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[id]
	if !ok {
		return
	}
	delete(q.inflight, id)
	atomic.AddInt64(&q.redelivered, 1)

	if delay <= 0 {
		q.retry = append(q.retry, f.entry)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		q.retry = append(q.retry, f.entry)
	})
	q.timers[timer] = struct{}{}
}

// Len implements queue.Queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.retry), nil
}

// Name implements queue.Queue.
func (q *Queue) Name() string {
	return q.config.Name
}

// Close stops accepting items and drops whatever is still queued.
func (q *Queue) Close() error {
	select {
	case <-q.ctx.Done():
		return nil
	default:
	}

	close(q.reportStop)
	q.cancelFunc()
	q.wg.Wait()

	q.mu.Lock()
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.mu.Unlock()

	return nil
}

// reportMetrics periodically reports queue depth.
func (q *Queue) reportMetrics() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			depth, _ := q.Len(context.Background())
			q.config.Metrics.RecordQueueDepth(q.config.Name, depth)
		case <-q.reportStop:
			return
		}
	}
}

// Stats returns current statistics about the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth := len(q.ready) + len(q.retry)
	inFlight := len(q.inflight)
	q.mu.Unlock()

	return Stats{
		Depth:       depth,
		InFlight:    inFlight,
		Enqueued:    atomic.LoadInt64(&q.enqueued),
		Dropped:     atomic.LoadInt64(&q.dropped),
		Acked:       atomic.LoadInt64(&q.acked),
		Redelivered: atomic.LoadInt64(&q.redelivered),
	}
}

var _ queue.Queue = (*Queue)(nil)
