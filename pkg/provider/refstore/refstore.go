// Package refstore remembers what a gateway submitted to a provider under
// each reference, for providers whose status endpoints only accept their
// own ids. A Redis backed store keeps the record across restarts.
package refstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/rueidis"
)

// Entry is one submission. ID is empty while the call is in flight or when
// the process stopped before the provider answered.
type Entry struct {
	Kind string    `json:"kind"`
	ID   string    `json:"id,omitempty"`
	At   time.Time `json:"at"`
}

// Store records submissions by provider reference.
type Store interface {
	Put(ctx context.Context, ref string, e Entry) error
	// Get reports false when nothing was recorded for ref.
	Get(ctx context.Context, ref string) (Entry, bool, error)
}

// Memory keeps entries in process. It forgets them on restart.
type Memory struct {
	entries sync.Map
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Put(_ context.Context, ref string, e Entry) error {
	m.entries.Store(ref, e)
	return nil
}

func (m *Memory) Get(_ context.Context, ref string) (Entry, bool, error) {
	v, ok := m.entries.Load(ref)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// KeyPrefix is prepended to every key (default "provider").
	// Example key: provider:mpesa:MAH-42
	KeyPrefix string
	// TTL bounds how long entries are kept (default 30 days). Zero keeps
	// them forever.
	TTL time.Duration
}

// DefaultRedisConfig returns the default Redis store configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix: "provider",
		TTL:       30 * 24 * time.Hour,
	}
}

// Redis keeps entries as JSON strings, one key per reference.
type Redis struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a store for gateway name on client.
func NewRedis(client rueidis.Client, name string, config RedisConfig) *Redis {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "provider"
	}
	return &Redis{
		client: client,
		prefix: config.KeyPrefix + ":" + name + ":",
		ttl:    config.TTL,
	}
}

func (r *Redis) Put(ctx context.Context, ref string, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	set := r.client.B().Set().Key(r.prefix + ref).Value(string(payload))
	var cmd rueidis.Completed
	if r.ttl > 0 {
		cmd = set.Ex(r.ttl).Build()
	} else {
		cmd = set.Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("refstore: put %s: %w", ref, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, ref string) (Entry, bool, error) {
	payload, err := r.client.Do(ctx, r.client.B().Get().Key(r.prefix+ref).Build()).ToString()
	if rueidis.IsRedisNil(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("refstore: get %s: %w", ref, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Entry{}, false, fmt.Errorf("refstore: decode %s: %w", ref, err)
	}
	return e, true, nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
)
