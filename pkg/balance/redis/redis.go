package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wallet-settlement/pkg/balance"
	"wallet-settlement/pkg/money"

	"github.com/redis/rueidis"
	"github.com/shopspring/decimal"
)

// Every script ends by returning {code, available, reserved} where code is
// 0 applied, 1 replayed (no-op) or -1 insufficient funds.
const snapshotFn = `
local function snapshot(code)
  return {code, redis.call('HGET', KEYS[1], 'available') or '0', redis.call('HGET', KEYS[1], 'reserved') or '0'}
end
local function mark(key, value, ttl)
  if tonumber(ttl) > 0 then
    redis.call('SET', key, value, 'EX', ttl)
  else
    redis.call('SET', key, value)
  end
end
`

// KEYS[1] balance, KEYS[2] optional applied marker
// ARGV[1] delta units, ARGV[2] negated delta units, ARGV[3] marker ttl seconds
const applyScript = snapshotFn + `
if KEYS[2] and redis.call('EXISTS', KEYS[2]) == 1 then
  return snapshot(1)
end
local v = redis.call('HINCRBY', KEYS[1], 'available', ARGV[1])
if v < 0 then
  redis.call('HINCRBY', KEYS[1], 'available', ARGV[2])
  return snapshot(-1)
end
if KEYS[2] then
  mark(KEYS[2], ARGV[1], ARGV[3])
end
return snapshot(0)
`

// KEYS[1] balance, KEYS[2] hold, KEYS[3] applied marker
// ARGV[1] units, ARGV[2] negated units
const reserveScript = snapshotFn + `
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('EXISTS', KEYS[3]) == 1 then
  return snapshot(1)
end
local v = redis.call('HINCRBY', KEYS[1], 'available', ARGV[2])
if v < 0 then
  redis.call('HINCRBY', KEYS[1], 'available', ARGV[1])
  return snapshot(-1)
end
redis.call('HINCRBY', KEYS[1], 'reserved', ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
return snapshot(0)
`

// KEYS[1] balance, KEYS[2] hold
const releaseScript = snapshotFn + `
local amt = redis.call('GET', KEYS[2])
if not amt then
  return snapshot(1)
end
redis.call('HINCRBY', KEYS[1], 'reserved', '-' .. amt)
redis.call('HINCRBY', KEYS[1], 'available', amt)
redis.call('DEL', KEYS[2])
return snapshot(0)
`

// KEYS[1] balance, KEYS[2] hold, KEYS[3] applied marker
// ARGV[1] marker ttl seconds
const captureScript = snapshotFn + `
local amt = redis.call('GET', KEYS[2])
if not amt then
  return snapshot(1)
end
redis.call('HINCRBY', KEYS[1], 'reserved', '-' .. amt)
redis.call('DEL', KEYS[2])
mark(KEYS[3], '-' .. amt, ARGV[1])
return snapshot(0)
`

// Config configures the Redis balance store.
type Config struct {
	Name string `mapstructure:"name"`
	// KeyPrefix is prepended to every key (default "balance").
	KeyPrefix string `mapstructure:"key_prefix"`
	// MarkerTTL bounds how long applied markers are kept. Redeliveries
	// older than this are caught by the ledger's terminal status instead.
	// Zero keeps markers forever.
	MarkerTTL time.Duration `mapstructure:"marker_ttl"`
}

// DefaultConfig returns the default Redis balance store configuration.
func DefaultConfig() Config {
	return Config{
		Name:      "redis",
		KeyPrefix: "balance",
		MarkerTTL: 30 * 24 * time.Hour,
	}
}

// Store keeps balances in Redis hashes and mutates them only through Lua
// scripts, so every check-and-apply runs as one unit on the server.
type Store struct {
	client  rueidis.Client
	name    string
	keys    *balance.KeyPattern
	ttl     string
	apply   *rueidis.Lua
	reserve *rueidis.Lua
	release *rueidis.Lua
	capture *rueidis.Lua
}

// New creates a Redis balance store on an existing client.
func New(client rueidis.Client, config Config) *Store {
	if config.Name == "" {
		config.Name = "redis"
	}
	return &Store{
		client:  client,
		name:    config.Name,
		keys:    balance.NewKeyPattern(config.KeyPrefix),
		ttl:     strconv.FormatInt(int64(config.MarkerTTL/time.Second), 10),
		apply:   rueidis.NewLuaScript(applyScript),
		reserve: rueidis.NewLuaScript(reserveScript),
		release: rueidis.NewLuaScript(releaseScript),
		capture: rueidis.NewLuaScript(captureScript),
	}
}

// ApplyDelta implements balance.Store.
func (s *Store) ApplyDelta(ctx context.Context, accountID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	units, err := toUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	keys := []string{s.keys.Balance(accountID)}
	m, err := s.run(ctx, s.apply, "apply", keys, itoa(units), itoa(-units), s.ttl)
	if err != nil {
		return decimal.Zero, err
	}
	return m.Balance.Available, nil
}

// ApplyOnce implements balance.Store.
func (s *Store) ApplyOnce(ctx context.Context, accountID int64, opID string, amount decimal.Decimal) (balance.Mutation, error) {
	if err := balance.ValidateOpID(opID); err != nil {
		return balance.Mutation{}, err
	}
	units, err := toUnits(amount)
	if err != nil {
		return balance.Mutation{}, err
	}
	keys := []string{s.keys.Balance(accountID), s.keys.Applied(accountID, opID)}
	return s.run(ctx, s.apply, "apply_once", keys, itoa(units), itoa(-units), s.ttl)
}

// Reserve implements balance.Store.
func (s *Store) Reserve(ctx context.Context, accountID int64, holdID string, amount decimal.Decimal) (balance.Mutation, error) {
	if err := balance.ValidateOpID(holdID); err != nil {
		return balance.Mutation{}, err
	}
	if !amount.IsPositive() {
		return balance.Mutation{}, fmt.Errorf("%w: reserve %s", balance.ErrInvalidAmount, amount)
	}
	units, err := toUnits(amount)
	if err != nil {
		return balance.Mutation{}, err
	}
	keys := []string{
		s.keys.Balance(accountID),
		s.keys.Hold(accountID, holdID),
		s.keys.Applied(accountID, holdID),
	}
	return s.run(ctx, s.reserve, "reserve", keys, itoa(units), itoa(-units))
}

// Release implements balance.Store.
func (s *Store) Release(ctx context.Context, accountID int64, holdID string) (balance.Mutation, error) {
	if err := balance.ValidateOpID(holdID); err != nil {
		return balance.Mutation{}, err
	}
	keys := []string{s.keys.Balance(accountID), s.keys.Hold(accountID, holdID)}
	return s.run(ctx, s.release, "release", keys)
}

// Capture implements balance.Store.
func (s *Store) Capture(ctx context.Context, accountID int64, holdID string) (balance.Mutation, error) {
	if err := balance.ValidateOpID(holdID); err != nil {
		return balance.Mutation{}, err
	}
	keys := []string{
		s.keys.Balance(accountID),
		s.keys.Hold(accountID, holdID),
		s.keys.Applied(accountID, holdID),
	}
	return s.run(ctx, s.capture, "capture", keys, s.ttl)
}

// Read implements balance.Store.
func (s *Store) Read(ctx context.Context, accountID int64) (balance.Balance, error) {
	cmd := s.client.B().Hgetall().Key(s.keys.Balance(accountID)).Build()
	fields, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		return balance.Balance{}, balance.WrapError(fmt.Errorf("%w: %v", balance.ErrUnavailable, err), s.name, "read")
	}
	return parseBalance(fields["available"], fields["reserved"])
}

// Name implements balance.Store.
func (s *Store) Name() string {
	return s.name
}

// Close is a no-op: the client is owned by the caller that created it.
func (s *Store) Close() error {
	return nil
}

func (s *Store) run(ctx context.Context, script *rueidis.Lua, op string, keys []string, args ...string) (balance.Mutation, error) {
	reply, err := script.Exec(ctx, s.client, keys, args).ToArray()
	if err != nil {
		return balance.Mutation{}, balance.WrapError(fmt.Errorf("%w: %v", balance.ErrUnavailable, err), s.name, op)
	}
	if len(reply) != 3 {
		return balance.Mutation{}, balance.WrapError(fmt.Errorf("unexpected script reply of %d elements", len(reply)), s.name, op)
	}

	code, err := reply[0].AsInt64()
	if err != nil {
		return balance.Mutation{}, balance.WrapError(fmt.Errorf("decode status: %w", err), s.name, op)
	}
	available, err := reply[1].ToString()
	if err != nil {
		return balance.Mutation{}, balance.WrapError(fmt.Errorf("decode available: %w", err), s.name, op)
	}
	reserved, err := reply[2].ToString()
	if err != nil {
		return balance.Mutation{}, balance.WrapError(fmt.Errorf("decode reserved: %w", err), s.name, op)
	}

	b, err := parseBalance(available, reserved)
	if err != nil {
		return balance.Mutation{}, balance.WrapError(err, s.name, op)
	}

	switch code {
	case 0:
		return balance.Mutation{Balance: b}, nil
	case 1:
		return balance.Mutation{Balance: b, Replayed: true}, nil
	default:
		return balance.Mutation{Balance: b}, balance.ErrInsufficientFunds
	}
}

func parseBalance(available, reserved string) (balance.Balance, error) {
	a, err := parseUnits(available)
	if err != nil {
		return balance.Balance{}, err
	}
	r, err := parseUnits(reserved)
	if err != nil {
		return balance.Balance{}, err
	}
	return balance.Balance{Available: money.FromUnits(a), Reserved: money.FromUnits(r)}, nil
}

func parseUnits(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode units %q: %w", s, err)
	}
	return v, nil
}

func toUnits(amount decimal.Decimal) (int64, error) {
	units, err := money.ToUnits(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", balance.ErrInvalidAmount, err)
	}
	return units, nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

var _ balance.Store = (*Store)(nil)
