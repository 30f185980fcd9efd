package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wallet-settlement/pkg/logging"
	"wallet-settlement/pkg/metrics"
	"wallet-settlement/pkg/queue"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// KEYS[1] ready list, KEYS[2] in-flight zset
// ARGV[1] now ms, ARGV[2] visibility deadline ms, ARGV[3] requeue batch size
const dequeueScript = `
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('LPUSH', KEYS[1], m)
end
local m = redis.call('RPOP', KEYS[1])
if not m then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[2], m)
return m
`

// KEYS[1] in-flight zset
// ARGV[1] member, ARGV[2] ready-at ms
const nackScript = `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
  return 1
end
return 0
`

// Config configures the Redis work queue.
type Config struct {
	Name string `mapstructure:"name"`
	// Key names the queue. The ready list and in-flight set share it as a
	// hash tag so both live in one cluster slot.
	Key string `mapstructure:"key"`
	// Visibility is how long a delivery stays in flight before it is
	// handed out again (default: 2m)
	Visibility time.Duration `mapstructure:"visibility"`
	// RequeueBatch bounds how many expired deliveries one Dequeue moves
	// back to the ready list (default: 100)
	RequeueBatch int `mapstructure:"requeue_batch"`

	Metrics metrics.Collector `mapstructure:"-"`
	Logger  *logging.Logger   `mapstructure:"-"`
}

// DefaultConfig returns the default Redis queue configuration.
func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Key:          "payments",
		Visibility:   2 * time.Minute,
		RequeueBatch: 100,
	}
}

// Queue is a Redis-backed work queue. Ready items sit in a list; delivered
// items move atomically into a sorted set scored by their visibility
// deadline, and expired ones are returned to the list by the next Dequeue.
//
// Identical payloads share one in-flight entry. Processing is idempotent on
// the transaction id, so collapsing them loses nothing.
type Queue struct {
	client   rueidis.Client
	config   Config
	ready    string
	inflight string
	dequeue  *rueidis.Lua
	nack     *rueidis.Lua
	metrics  metrics.Collector
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a Redis queue on an existing client.
func New(client rueidis.Client, config Config) *Queue {
	defaults := DefaultConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Key == "" {
		config.Key = defaults.Key
	}
	if config.Visibility <= 0 {
		config.Visibility = defaults.Visibility
	}
	if config.RequeueBatch <= 0 {
		config.RequeueBatch = defaults.RequeueBatch
	}

	tag := "{" + strings.Trim(config.Key, "{}") + "}"
	return &Queue{
		client:   client,
		config:   config,
		ready:    tag + ":queue",
		inflight: tag + ":inflight",
		dequeue:  rueidis.NewLuaScript(dequeueScript),
		nack:     rueidis.NewLuaScript(nackScript),
		metrics:  metrics.OrNoOp(config.Metrics),
		logger:   logging.OrGlobal(config.Logger, "queue"),
		now:      time.Now,
	}
}

// Enqueue implements queue.Queue.
func (q *Queue) Enqueue(ctx context.Context, item queue.WorkItem) error {
	payload, err := item.Encode()
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}

	cmd := q.client.B().Lpush().Key(q.ready).Element(string(payload)).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		q.metrics.RecordEnqueue(q.config.Name, false)
		return fmt.Errorf("redis queue %s enqueue: %w", q.config.Name, err)
	}
	q.metrics.RecordEnqueue(q.config.Name, true)
	return nil
}

// Dequeue implements queue.Queue.
func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	now := q.now()
	deadline := now.Add(q.config.Visibility)

	payload, err := q.dequeue.Exec(ctx, q.client,
		[]string{q.ready, q.inflight},
		[]string{ms(now), ms(deadline), strconv.Itoa(q.config.RequeueBatch)},
	).ToString()
	if rueidis.IsRedisNil(err) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis queue %s dequeue: %w", q.config.Name, err)
	}

	item, err := queue.Decode([]byte(payload))
	if err != nil {
		// Drop the poison message so it is not redelivered forever
		q.logger.Error("dropping undecodable work item", zap.String("payload", payload), zap.Error(err))
		q.remove(ctx, payload)
		return nil, err
	}

	return queue.NewDelivery(item, false,
		func(ctx context.Context) error {
			return q.remove(ctx, payload)
		},
		func(ctx context.Context, delay time.Duration) error {
			readyAt := q.now().Add(delay)
			if delay <= 0 {
				// Any score not after the next dequeue's clock is expired
				readyAt = time.Unix(0, 0)
			}
			err := q.nack.Exec(ctx, q.client, []string{q.inflight}, []string{payload, ms(readyAt)}).Error()
			if err != nil {
				return fmt.Errorf("redis queue %s nack: %w", q.config.Name, err)
			}
			return nil
		},
	), nil
}

func (q *Queue) remove(ctx context.Context, payload string) error {
	cmd := q.client.B().Zrem().Key(q.inflight).Member(payload).Build()
	if err := q.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis queue %s ack: %w", q.config.Name, err)
	}
	return nil
}

// Len implements queue.Queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.Do(ctx, q.client.B().Llen().Key(q.ready).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis queue %s len: %w", q.config.Name, err)
	}
	q.metrics.RecordQueueDepth(q.config.Name, int(n))
	return int(n), nil
}

// InFlight reports how many deliveries are unsettled.
func (q *Queue) InFlight(ctx context.Context) (int, error) {
	n, err := q.client.Do(ctx, q.client.B().Zcard().Key(q.inflight).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis queue %s inflight: %w", q.config.Name, err)
	}
	return int(n), nil
}

// Name implements queue.Queue.
func (q *Queue) Name() string {
	return q.config.Name
}

// Close is a no-op: the client is owned by the caller that created it.
func (q *Queue) Close() error {
	return nil
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

var _ queue.Queue = (*Queue)(nil)
