package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wallet-settlement/pkg/ledger"
	"wallet-settlement/pkg/logging"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgreSQL error codes the ledger maps to sentinels.
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// DSN, when set, is used as is and the discrete fields are ignored.
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// LockTimeout bounds how long LoadForUpdate waits on a locked row.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// AutoMigrate runs Migrate when the ledger is opened.
	AutoMigrate bool `mapstructure:"auto_migrate"`

	Logger *logging.Logger `mapstructure:"-"`
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "wallet",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		LockTimeout:     2 * time.Second,
		AutoMigrate:     true,
	}
}

// ConnString returns the lib/pq connection string for the config.
func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Ledger is the PostgreSQL-backed ledger. Exclusive access to a transaction
// is a row lock held by an open database transaction.
type Ledger struct {
	db          *sql.DB
	name        string
	lockTimeout time.Duration
	logger      *logging.Logger
}

// Open connects to PostgreSQL with a connection pool.
func Open(cfg Config) (*Ledger, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	l := New(db, cfg)
	if cfg.AutoMigrate {
		if err := l.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to init tables: %w", err)
		}
	}
	return l, nil
}

// New wraps an existing pool. The ledger takes ownership of db.
func New(db *sql.DB, cfg Config) *Ledger {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	return &Ledger{
		db:          db,
		name:        "postgres",
		lockTimeout: cfg.LockTimeout,
		logger:      logger.Named("ledger"),
	}
}

// DB exposes the underlying pool for health checks.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// EnsureAccount implements ledger.Ledger.
func (l *Ledger) EnsureAccount(ctx context.Context, ownerID, currency string) (ledger.Account, error) {
	if ownerID == "" || currency == "" {
		return ledger.Account{}, fmt.Errorf("%w: owner and currency are required", ledger.ErrInvalidTransaction)
	}

	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
		INSERT INTO accounts (owner_id, currency) VALUES ($1, $2)
		ON CONFLICT (owner_id, currency) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING id, owner_id, currency, created_at
	`
	var a ledger.Account
	if err := l.db.QueryRowContext(ctx, query, ownerID, currency).Scan(&a.ID, &a.OwnerID, &a.Currency, &a.CreatedAt); err != nil {
		return ledger.Account{}, ledger.WrapError(err, l.name, "ensure_account")
	}
	return a, nil
}

// GetAccount implements ledger.Ledger.
func (l *Ledger) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	query := `SELECT id, owner_id, currency, created_at FROM accounts WHERE id = $1`

	var a ledger.Account
	err := l.db.QueryRowContext(ctx, query, id).Scan(&a.ID, &a.OwnerID, &a.Currency, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, ledger.WrapError(err, l.name, "get_account")
	}
	return a, nil
}

const txColumns = `id, account_id, kind, amount, currency, provider, status,
	COALESCE(external_ref, ''), COALESCE(failure_reason, ''), metadata,
	COALESCE(idempotency_key, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTx(s scanner) (ledger.Transaction, error) {
	var (
		t        ledger.Transaction
		kind     string
		status   string
		metadata []byte
	)
	err := s.Scan(
		&t.ID, &t.AccountID, &kind, &t.Amount, &t.Currency, &t.Provider, &status,
		&t.ExternalRef, &t.FailureReason, &metadata,
		&t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Kind = ledger.Kind(kind)
	t.Status = ledger.Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return ledger.Transaction{}, fmt.Errorf("decode metadata: %w", err)
		}
		if len(t.Metadata) == 0 {
			t.Metadata = nil
		}
	}
	return t, nil
}

// InsertPending implements ledger.Ledger.
func (l *Ledger) InsertPending(ctx context.Context, n ledger.NewTransaction) (ledger.Transaction, error) {
	if err := n.Validate(); err != nil {
		return ledger.Transaction{}, err
	}

	// lib/pq sends []byte as bytea, so JSONB goes over the wire as text.
	metadata := "{}"
	if len(n.Metadata) > 0 {
		raw, err := json.Marshal(n.Metadata)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	query := `
		INSERT INTO transactions (account_id, kind, amount, currency, provider, status, metadata, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		RETURNING ` + txColumns

	tx, err := scanTx(l.db.QueryRowContext(ctx, query,
		n.AccountID, string(n.Kind), n.Amount, n.Currency, n.Provider,
		metadata, sql.NullString{String: n.IdempotencyKey, Valid: n.IdempotencyKey != ""},
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
			return ledger.Transaction{}, ledger.ErrDuplicateKey
		}
		return ledger.Transaction{}, ledger.WrapError(err, l.name, "insert_pending")
	}
	return tx, nil
}

// Get implements ledger.Ledger.
func (l *Ledger) Get(ctx context.Context, id int64) (ledger.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTx(l.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, ledger.WrapError(err, l.name, "get")
	}
	return tx, nil
}

// FindByIdempotencyKey implements ledger.Ledger.
func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	if key == "" {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	query := `SELECT ` + txColumns + ` FROM transactions WHERE idempotency_key = $1`

	tx, err := scanTx(l.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, ledger.WrapError(err, l.name, "find_by_idempotency_key")
	}
	return tx, nil
}

// List implements ledger.Ledger.
func (l *Ledger) List(ctx context.Context, filter ledger.Filter) ([]ledger.Transaction, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.AccountID != 0 {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}

	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.WrapError(err, l.name, "list")
	}
	defer rows.Close()

	transactions := make([]ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, ledger.WrapError(fmt.Errorf("scan transaction: %w", err), l.name, "list")
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.WrapError(err, l.name, "list")
	}
	return transactions, nil
}

// Stats implements ledger.Ledger.
func (l *Ledger) Stats(ctx context.Context) (ledger.Stats, error) {
	stats := ledger.Stats{ByStatus: make(map[ledger.Status]int64)}

	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&stats.Accounts); err != nil {
		return ledger.Stats{}, ledger.WrapError(err, l.name, "stats")
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT status, currency, COUNT(*), COALESCE(SUM(amount), 0)
		FROM transactions
		GROUP BY status, currency
		ORDER BY status, currency
	`)
	if err != nil {
		return ledger.Stats{}, ledger.WrapError(err, l.name, "stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			v      ledger.Volume
			status string
		)
		if err := rows.Scan(&status, &v.Currency, &v.Count, &v.Sum); err != nil {
			return ledger.Stats{}, ledger.WrapError(err, l.name, "stats")
		}
		v.Status = ledger.Status(status)
		stats.ByStatus[v.Status] += v.Count
		stats.Transactions += v.Count
		stats.Volumes = append(stats.Volumes, v)
	}
	if err := rows.Err(); err != nil {
		return ledger.Stats{}, ledger.WrapError(err, l.name, "stats")
	}
	return stats, nil
}

// LoadForUpdate implements ledger.Ledger. The returned lease holds an open
// database transaction until it is finalized or released.
func (l *Ledger) LoadForUpdate(ctx context.Context, id int64) (ledger.Lease, error) {
	dbtx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ledger.WrapError(err, l.name, "load_for_update")
	}

	// SET does not accept bind parameters; the value is an integer we format.
	lockTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())
	if _, err := dbtx.ExecContext(ctx, lockTimeout); err != nil {
		dbtx.Rollback()
		return nil, ledger.WrapError(err, l.name, "load_for_update")
	}

	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	tx, err := scanTx(dbtx.QueryRowContext(ctx, query, id))
	if err != nil {
		dbtx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == codeLockNotAvailable {
			return nil, ledger.WrapError(ledger.ErrLockTimeout, l.name, "load_for_update")
		}
		return nil, ledger.WrapError(err, l.name, "load_for_update")
	}

	return &lease{ledger: l, dbtx: dbtx, tx: tx}, nil
}

const finalizeQuery = `
	UPDATE transactions
	SET status = $2, external_ref = NULLIF($3, ''), failure_reason = NULLIF($4, ''), updated_at = NOW()
	WHERE id = $1 AND status = 'pending'
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func finalize(ctx context.Context, db execer, id int64, status ledger.Status, ref, reason string) (bool, error) {
	res, err := db.ExecContext(ctx, finalizeQuery, id, string(status), ref, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkCompleted implements ledger.Ledger.
func (l *Ledger) MarkCompleted(ctx context.Context, id int64, externalRef string) (bool, error) {
	return l.markCAS(ctx, id, ledger.StatusCompleted, externalRef, "")
}

// MarkFailed implements ledger.Ledger.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return l.markCAS(ctx, id, ledger.StatusFailed, "", reason)
}

func (l *Ledger) markCAS(ctx context.Context, id int64, status ledger.Status, ref, reason string) (bool, error) {
	changed, err := finalize(ctx, l.db, id, status, ref, reason)
	if err != nil {
		return false, ledger.WrapError(err, l.name, "mark_"+string(status))
	}
	if !changed {
		// Distinguish "already terminal" from "never existed"
		if _, err := l.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// Name implements ledger.Ledger.
func (l *Ledger) Name() string {
	return l.name
}

// Close implements ledger.Ledger.
func (l *Ledger) Close() error {
	return l.db.Close()
}

type lease struct {
	ledger *Ledger
	dbtx   *sql.Tx
	tx     ledger.Transaction
	done   bool
}

func (ls *lease) Transaction() ledger.Transaction {
	return ls.tx
}

func (ls *lease) MarkCompleted(ctx context.Context, externalRef string) error {
	return ls.finish(ctx, ledger.StatusCompleted, externalRef, "")
}

func (ls *lease) MarkFailed(ctx context.Context, reason string) error {
	return ls.finish(ctx, ledger.StatusFailed, "", reason)
}

func (ls *lease) finish(ctx context.Context, status ledger.Status, ref, reason string) error {
	if ls.done {
		return ledger.ErrLeaseClosed
	}
	op := "mark_" + string(status)

	changed, err := finalize(ctx, ls.dbtx, ls.tx.ID, status, ref, reason)
	if err != nil {
		ls.rollback()
		return ledger.WrapError(err, ls.ledger.name, op)
	}
	if err := ls.dbtx.Commit(); err != nil {
		ls.done = true
		return ledger.WrapError(err, ls.ledger.name, op)
	}
	ls.done = true

	if !changed {
		ls.ledger.logger.Debug("transaction already terminal",
			zap.Int64("tx_id", ls.tx.ID),
			zap.String("status", string(status)),
		)
	}
	return nil
}

func (ls *lease) Postpone(ctx context.Context) error {
	if ls.done {
		return ledger.ErrLeaseClosed
	}
	query := `UPDATE transactions SET updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	if _, err := ls.dbtx.ExecContext(ctx, query, ls.tx.ID); err != nil {
		ls.rollback()
		return ledger.WrapError(err, ls.ledger.name, "postpone")
	}
	ls.done = true
	if err := ls.dbtx.Commit(); err != nil {
		return ledger.WrapError(err, ls.ledger.name, "postpone")
	}
	return nil
}

func (ls *lease) Release() error {
	if ls.done {
		return nil
	}
	return ls.rollback()
}

func (ls *lease) rollback() error {
	ls.done = true
	if err := ls.dbtx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return ledger.WrapError(err, ls.ledger.name, "release")
	}
	return nil
}

var _ ledger.Ledger = (*Ledger)(nil)
