package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wallet-settlement/pkg/ledger"

	"github.com/shopspring/decimal"
)

// Config configures the in-memory ledger.
type Config struct {
	Name string
	// LockTimeout bounds how long LoadForUpdate waits for a busy row.
	LockTimeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns the default in-memory ledger configuration.
func DefaultConfig() Config {
	return Config{
		Name:        "memory",
		LockTimeout: 2 * time.Second,
	}
}

type row struct {
	tx  ledger.Transaction
	sem chan struct{}
}

// Ledger is an in-process ledger for tests and development. Each
// transaction carries a one-slot semaphore that stands in for a row lock.
type Ledger struct {
	mu       sync.RWMutex
	config   Config
	accounts map[int64]ledger.Account
	owners   map[string]int64
	rows     map[int64]*row
	keys     map[string]int64
	nextAcct int64
	nextTx   int64
}

// New creates an empty in-memory ledger.
func New(config Config) *Ledger {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = 2 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ledger{
		config:   config,
		accounts: make(map[int64]ledger.Account),
		owners:   make(map[string]int64),
		rows:     make(map[int64]*row),
		keys:     make(map[string]int64),
	}
}

func ownerKey(ownerID, currency string) string {
	return ownerID + "\x00" + currency
}

// EnsureAccount implements ledger.Ledger.
func (l *Ledger) EnsureAccount(ctx context.Context, ownerID, currency string) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	if ownerID == "" || currency == "" {
		return ledger.Account{}, fmt.Errorf("%w: owner and currency are required", ledger.ErrInvalidTransaction)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.owners[ownerKey(ownerID, currency)]; ok {
		return l.accounts[id], nil
	}
	l.nextAcct++
	a := ledger.Account{ID: l.nextAcct, OwnerID: ownerID, Currency: currency, CreatedAt: l.config.Now()}
	l.accounts[a.ID] = a
	l.owners[ownerKey(ownerID, currency)] = a.ID
	return a, nil
}

// GetAccount implements ledger.Ledger.
func (l *Ledger) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return a, nil
}

// InsertPending implements ledger.Ledger.
func (l *Ledger) InsertPending(ctx context.Context, n ledger.NewTransaction) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	if err := n.Validate(); err != nil {
		return ledger.Transaction{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[n.AccountID]; !ok {
		return ledger.Transaction{}, fmt.Errorf("%w: account %d", ledger.ErrNotFound, n.AccountID)
	}
	if n.IdempotencyKey != "" {
		if _, taken := l.keys[n.IdempotencyKey]; taken {
			return ledger.Transaction{}, ledger.ErrDuplicateKey
		}
	}

	l.nextTx++
	now := l.config.Now()
	tx := ledger.Transaction{
		ID:             l.nextTx,
		AccountID:      n.AccountID,
		Kind:           n.Kind,
		Amount:         n.Amount,
		Currency:       n.Currency,
		Provider:       n.Provider,
		Status:         ledger.StatusPending,
		Metadata:       copyMetadata(n.Metadata),
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	l.rows[tx.ID] = &row{tx: tx, sem: make(chan struct{}, 1)}
	if n.IdempotencyKey != "" {
		l.keys[n.IdempotencyKey] = tx.ID
	}
	return cloneTx(tx), nil
}

// Put stores a transaction exactly as given, bypassing validation.
// Tests use it to plant rows that InsertPending would refuse.
func (l *Ledger) Put(tx ledger.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.ID > l.nextTx {
		l.nextTx = tx.ID
	}
	l.rows[tx.ID] = &row{tx: cloneTx(tx), sem: make(chan struct{}, 1)}
}

// Get implements ledger.Ledger.
func (l *Ledger) Get(ctx context.Context, id int64) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.rows[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return cloneTx(r.tx), nil
}

// FindByIdempotencyKey implements ledger.Ledger.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.keys[key]
	if !ok || key == "" {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return cloneTx(l.rows[id].tx), nil
}

// List implements ledger.Ledger.
func (l *Ledger) List(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter = filter.Normalize()

	l.mu.RLock()
	matched := make([]ledger.Transaction, 0)
	for _, r := range l.rows {
		if filter.AccountID != 0 && r.tx.AccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && r.tx.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && r.tx.Kind != filter.Kind {
			continue
		}
		matched = append(matched, cloneTx(r.tx))
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []ledger.Transaction{}, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Stats implements ledger.Ledger.
func (l *Ledger) Stats(ctx context.Context) (ledger.Stats, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Stats{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := ledger.Stats{
		Accounts:     int64(len(l.accounts)),
		Transactions: int64(len(l.rows)),
		ByStatus:     make(map[ledger.Status]int64),
	}
	volumes := make(map[string]*ledger.Volume)
	for _, r := range l.rows {
		stats.ByStatus[r.tx.Status]++
		k := string(r.tx.Status) + "/" + r.tx.Currency
		v, ok := volumes[k]
		if !ok {
			v = &ledger.Volume{Status: r.tx.Status, Currency: r.tx.Currency, Sum: decimal.Zero}
			volumes[k] = v
		}
		v.Count++
		v.Sum = v.Sum.Add(r.tx.Amount)
	}
	for _, v := range volumes {
		stats.Volumes = append(stats.Volumes, *v)
	}
	sort.Slice(stats.Volumes, func(i, j int) bool {
		if stats.Volumes[i].Status == stats.Volumes[j].Status {
			return stats.Volumes[i].Currency < stats.Volumes[j].Currency
		}
		return stats.Volumes[i].Status < stats.Volumes[j].Status
	})
	return stats, nil
}

// LoadForUpdate implements ledger.Ledger.
func (l *Ledger) LoadForUpdate(ctx context.Context, id int64) (ledger.Lease, error) {
	l.mu.RLock()
	r, ok := l.rows[id]
	l.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrNotFound
	}

	timer := time.NewTimer(l.config.LockTimeout)
	defer timer.Stop()

	select {
	case r.sem <- struct{}{}:
	case <-timer.C:
		return nil, ledger.WrapError(ledger.ErrLockTimeout, l.config.Name, "load_for_update")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	l.mu.RLock()
	snapshot := cloneTx(r.tx)
	l.mu.RUnlock()

	return &lease{ledger: l, row: r, tx: snapshot}, nil
}

// MarkCompleted implements ledger.Ledger.
func (l *Ledger) MarkCompleted(ctx context.Context, id int64, externalRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.finalize(id, ledger.StatusCompleted, externalRef, "")
}

// MarkFailed implements ledger.Ledger.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.finalize(id, ledger.StatusFailed, "", reason)
}

// finalize is the compare-and-swap on status = pending.
func (l *Ledger) finalize(id int64, status ledger.Status, ref, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rows[id]
	if !ok {
		return false, ledger.ErrNotFound
	}
	if r.tx.Status != ledger.StatusPending {
		return false, nil
	}
	r.tx.Status = status
	r.tx.ExternalRef = ref
	r.tx.FailureReason = reason
	r.tx.UpdatedAt = l.config.Now()
	return true, nil
}

// Name implements ledger.Ledger.
func (l *Ledger) Name() string {
	return l.config.Name
}

// Close implements ledger.Ledger.
func (l *Ledger) Close() error {
	return nil
}

type lease struct {
	ledger *Ledger
	row    *row
	tx     ledger.Transaction
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (ls *lease) Transaction() ledger.Transaction {
	return cloneTx(ls.tx)
}

func (ls *lease) MarkCompleted(ctx context.Context, externalRef string) error {
	return ls.finish(ctx, ledger.StatusCompleted, externalRef, "")
}

func (ls *lease) MarkFailed(ctx context.Context, reason string) error {
	return ls.finish(ctx, ledger.StatusFailed, "", reason)
}

func (ls *lease) finish(ctx context.Context, status ledger.Status, ref, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return ledger.ErrLeaseClosed
	}
	if _, err := ls.ledger.finalize(ls.tx.ID, status, ref, reason); err != nil {
		return err
	}
	ls.closed = true
	ls.unlock()
	return nil
}

func (ls *lease) Postpone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return ledger.ErrLeaseClosed
	}

	ls.ledger.mu.Lock()
	if ls.row.tx.Status == ledger.StatusPending {
		ls.row.tx.UpdatedAt = ls.ledger.config.Now()
	}
	ls.ledger.mu.Unlock()

	ls.closed = true
	ls.unlock()
	return nil
}

func (ls *lease) Release() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.closed = true
	ls.unlock()
	return nil
}

func (ls *lease) unlock() {
	ls.once.Do(func() { <-ls.row.sem })
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTx(tx ledger.Transaction) ledger.Transaction {
	tx.Metadata = copyMetadata(tx.Metadata)
	return tx
}

var _ ledger.Ledger = (*Ledger)(nil)
