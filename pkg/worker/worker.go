// Package worker drains the settlement queue with a pool of independent
// loops. Loops share nothing but the queue and the reconciler; coordination
// between processes happens in the balance store and the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/queue"
	"wallet-settlement/pkg/reconciler"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Processor settles one work item. *reconciler.Reconciler implements it.
type Processor interface {
	Process(ctx context.Context, item queue.WorkItem) reconciler.Result
}

// Config configures the worker pool.
type Config struct {
	// Concurrency is the number of worker loops (default: 4)
	Concurrency int `mapstructure:"concurrency"`

	// IdleInitial is the first wait after finding the queue empty (default: 50ms)
	IdleInitial time.Duration `mapstructure:"idle_initial"`

	// IdleMax caps the wait between polls of an empty queue (default: 2s)
	IdleMax time.Duration `mapstructure:"idle_max"`

	// AckTimeout bounds acknowledging a delivery, which happens on a fresh
	// context so shutdown does not strand processed items (default: 5s)
	AckTimeout time.Duration `mapstructure:"ack_timeout"`

	// ReportInterval is how often queue depth is reported. 0 disables it.
	ReportInterval time.Duration `mapstructure:"report_interval"`

	Metrics metrics.Collector `mapstructure:"-"`
	Logger  *logging.Logger   `mapstructure:"-"`
}

// DefaultConfig returns the default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		IdleInitial:    50 * time.Millisecond,
		IdleMax:        2 * time.Second,
		AckTimeout:     5 * time.Second,
		ReportInterval: 15 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("worker: concurrency must be at least 1")
	}
	if c.IdleInitial <= 0 || c.IdleMax < c.IdleInitial {
		return fmt.Errorf("worker: idle backoff must be positive with max >= initial")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("worker: ack timeout must be positive")
	}
	if c.ReportInterval < 0 {
		return fmt.Errorf("worker: report interval must not be negative")
	}
	return nil
}

// Stats provides statistics about processed deliveries.
type Stats struct {
	// Processed is the number of deliveries handed to the processor
	Processed int64

	Completed int64
	Failed    int64
	Discarded int64
	Retried   int64

	// Malformed is the number of undecodable messages dropped by the queue
	Malformed int64

	// SettleErrors counts acks and nacks the queue refused
	SettleErrors int64
}

// Pool runs worker loops against a queue.
type Pool struct {
	id        string
	queue     queue.Queue
	processor Processor
	config    Config
	metrics   metrics.Collector
	logger    *logging.Logger

	// Statistics (accessed atomically)
	processed    int64
	completed    int64
	failed       int64
	discarded    int64
	retried      int64
	malformed    int64
	settleErrors int64
}

// New creates a worker pool. Nothing runs until Run is called.
func New(q queue.Queue, processor Processor, config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &Pool{
		id:        id,
		queue:     q,
		processor: processor,
		config:    config,
		metrics:   metrics.OrNoOp(config.Metrics),
		logger:    logging.OrGlobal(config.Logger, "worker").With(zap.String("pool_id", id)),
	}, nil
}

// ID identifies the pool in logs.
func (p *Pool) ID() string {
	return p.id
}

// Run starts the worker loops and blocks until ctx is cancelled or the
// queue is closed. Deliveries in progress finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		zap.Int("concurrency", p.config.Concurrency),
		zap.String("queue", p.queue.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		n := i
		g.Go(func() error {
			return p.loop(gctx, n)
		})
	}
	if p.config.ReportInterval > 0 {
		g.Go(func() error {
			p.report(gctx)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped", zap.Any("stats", p.Stats()), zap.Error(err))
	return err
}

func (p *Pool) loop(ctx context.Context, n int) error {
	log := p.logger.With(zap.Int("loop", n))

	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = p.config.IdleInitial
	idle.MaxInterval = p.config.IdleMax
	idle.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		worked, err := p.RunOnce(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed):
			log.Info("queue closed, loop exiting")
			return err
		case err != nil && ctx.Err() == nil:
			log.Warn("dequeue failed", zap.Error(err))
		}

		if worked {
			idle.Reset()
			continue
		}

		timer := time.NewTimer(idle.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce processes at most one delivery. It reports whether the queue
// had anything to hand out.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	d, err := p.queue.Dequeue(ctx)
	switch {
	case errors.Is(err, queue.ErrEmpty):
		return false, nil
	case errors.Is(err, queue.ErrMalformed):
		atomic.AddInt64(&p.malformed, 1)
		p.logger.Error("dropped malformed work item", zap.Error(err))
		return true, nil
	case err != nil:
		return false, err
	}

	atomic.AddInt64(&p.processed, 1)
	res := p.processor.Process(ctx, d.Item)

	settleCtx, cancel := context.WithTimeout(context.Background(), p.config.AckTimeout)
	defer cancel()

	if res.Ack() {
		err = d.Ack(settleCtx)
	} else {
		err = d.Nack(settleCtx, res.RetryAfter)
	}
	if err != nil {
		atomic.AddInt64(&p.settleErrors, 1)
		p.logger.Error("could not settle delivery",
			zap.Int64("tx_id", d.Item.TransactionID),
			zap.Bool("ack", res.Ack()),
			zap.Error(err),
		)
	}

	switch res.Outcome {
	case metrics.OutcomeCompleted:
		atomic.AddInt64(&p.completed, 1)
	case metrics.OutcomeFailed:
		atomic.AddInt64(&p.failed, 1)
	case metrics.OutcomeDiscarded:
		atomic.AddInt64(&p.discarded, 1)
	case metrics.OutcomeRetry:
		atomic.AddInt64(&p.retried, 1)
	}
	return true, nil
}

func (p *Pool) report(ctx context.Context) {
	ticker := time.NewTicker(p.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			depth, err := p.queue.Len(ctx)
			if err != nil {
				continue
			}
			p.metrics.RecordQueueDepth(p.queue.Name(), depth)
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns current statistics about the pool.
func (p *Pool) Stats() Stats {
	return Stats{
		Processed:    atomic.LoadInt64(&p.processed),
		Completed:    atomic.LoadInt64(&p.completed),
		Failed:       atomic.LoadInt64(&p.failed),
		Discarded:    atomic.LoadInt64(&p.discarded),
		Retried:      atomic.LoadInt64(&p.retried),
		Malformed:    atomic.LoadInt64(&p.malformed),
		SettleErrors: atomic.LoadInt64(&p.settleErrors),
	}
}
