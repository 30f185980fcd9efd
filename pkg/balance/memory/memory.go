package memory

import (
	"context"
	"fmt"
	"sync"

	"wallet-settlement/pkg/balance"
	"wallet-settlement/pkg/money"

	"github.com/shopspring/decimal"
)

// Store is an in-process balance store. A single mutex serializes every
// operation, which makes each check-and-apply trivially atomic.
// It is meant for tests and single-process development setups.
type Store struct {
	mu       sync.Mutex
	name     string
	accounts map[int64]*account
}

// account holds minor units plus the hold and applied bookkeeping.
type account struct {
	available int64
	reserved  int64
	holds     map[string]int64
	applied   map[string]struct{}
}

// New creates an empty in-memory balance store.
func New(name string) *Store {
	if name == "" {
		name = "memory"
	}
	return &Store{
		name:     name,
		accounts: make(map[int64]*account),
	}
}

func (s *Store) get(accountID int64) *account {
	a, ok := s.accounts[accountID]
	if !ok {
		a = &account{
			holds:   make(map[string]int64),
			applied: make(map[string]struct{}),
		}
		s.accounts[accountID] = a
	}
	return a
}

func (a *account) snapshot() balance.Balance {
	return balance.Balance{
		Available: money.FromUnits(a.available),
		Reserved:  money.FromUnits(a.reserved),
	}
}

// ApplyDelta implements balance.Store.
func (s *Store) ApplyDelta(ctx context.Context, accountID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	units, err := toUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.get(accountID)
	if a.available+units < 0 {
		return money.FromUnits(a.available), balance.ErrInsufficientFunds
	}
	a.available += units
	return money.FromUnits(a.available), nil
}

// ApplyOnce implements balance.Store.
func (s *Store) ApplyOnce(ctx context.Context, accountID int64, opID string, amount decimal.Decimal) (balance.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return balance.Mutation{}, err
	}
	if err := balance.ValidateOpID(opID); err != nil {
		return balance.Mutation{}, err
	}
	units, err := toUnits(amount)
	if err != nil {
		return balance.Mutation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.get(accountID)
	if _, done := a.applied[opID]; done {
		return balance.Mutation{Balance: a.snapshot(), Replayed: true}, nil
	}
	if a.available+units < 0 {
		return balance.Mutation{Balance: a.snapshot()}, balance.ErrInsufficientFunds
	}
	a.available += units
	a.applied[opID] = struct{}{}
	return balance.Mutation{Balance: a.snapshot()}, nil
}

// Reserve implements balance.Store.
func (s *Store) Reserve(ctx context.Context, accountID int64, holdID string, amount decimal.Decimal) (balance.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return balance.Mutation{}, err
	}
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

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.get(accountID)
	_, held := a.holds[holdID]
	_, done := a.applied[holdID]
	if held || done {
		return balance.Mutation{Balance: a.snapshot(), Replayed: true}, nil
	}
	if a.available < units {
		return balance.Mutation{Balance: a.snapshot()}, balance.ErrInsufficientFunds
	}
	a.available -= units
	a.reserved += units
	a.holds[holdID] = units
	return balance.Mutation{Balance: a.snapshot()}, nil
}

// Release implements balance.Store.
func (s *Store) Release(ctx context.Context, accountID int64, holdID string) (balance.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return balance.Mutation{}, err
	}
	if err := balance.ValidateOpID(holdID); err != nil {
		return balance.Mutation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.get(accountID)
	units, ok := a.holds[holdID]
	if !ok {
		return balance.Mutation{Balance: a.snapshot(), Replayed: true}, nil
	}
	a.reserved -= units
	a.available += units
	delete(a.holds, holdID)
	return balance.Mutation{Balance: a.snapshot()}, nil
}

// Capture implements balance.Store.
func (s *Store) Capture(ctx context.Context, accountID int64, holdID string) (balance.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return balance.Mutation{}, err
	}
	if err := balance.ValidateOpID(holdID); err != nil {
		return balance.Mutation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.get(accountID)
	units, ok := a.holds[holdID]
	if !ok {
		return balance.Mutation{Balance: a.snapshot(), Replayed: true}, nil
	}
	a.reserved -= units
	delete(a.holds, holdID)
	a.applied[holdID] = struct{}{}
	return balance.Mutation{Balance: a.snapshot()}, nil
}

// Read implements balance.Store.
func (s *Store) Read(ctx context.Context, accountID int64) (balance.Balance, error) {
	if err := ctx.Err(); err != nil {
		return balance.Balance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[accountID]; ok {
		return a.snapshot(), nil
	}
	return balance.Balance{Available: decimal.Zero, Reserved: decimal.Zero}, nil
}

// Name implements balance.Store.
func (s *Store) Name() string {
	return s.name
}

// Close implements balance.Store.
func (s *Store) Close() error {
	return nil
}

func toUnits(amount decimal.Decimal) (int64, error) {
	units, err := money.ToUnits(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", balance.ErrInvalidAmount, err)
	}
	return units, nil
}

var _ balance.Store = (*Store)(nil)
