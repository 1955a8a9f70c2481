// Package postgres provides a relational Postgres-backed persistent store.
// Every unit of work runs in a SERIALIZABLE transaction and reads made through
// a transaction take row locks with SELECT ... FOR UPDATE.
package postgres

import (
	"aidstock/pkg/domain"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/aidstock?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets the per-transaction lock_timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Store persists aid inventory in normalized Postgres tables.
type Store struct {
	db          *sql.DB
	engine      *domain.RulesEngine
	nowFn       func() time.Time
	lockTimeout time.Duration
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN)
// and applies the schema.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applySchema(ctx context.Context, db execer) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// RunInTransaction executes fn inside one SERIALIZABLE transaction. Rules run
// against the uncommitted state before COMMIT; any failure rolls back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	const op = "postgres.run_in_transaction"
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Result{}, classifyError(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return domain.Result{}, classifyError(op, err)
		}
	}
	tx := &transaction{ctx: ctx, tx: sqlTx, now: s.nowFn(), lock: true}
	if err := fn(tx); err != nil {
		return domain.Result{}, classifyError(op, err)
	}
	result, err := s.engine.Evaluate(ctx, tx.Snapshot(), tx.changes)
	if err != nil {
		return domain.Result{}, classifyError(op, err)
	}
	if result.HasBlocking() {
		return result, domain.RuleViolationError{Result: result}
	}
	if err := sqlTx.Commit(); err != nil {
		return result, classifyError(op, err)
	}
	committed = true
	return result, nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	const op = "postgres.view"
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return classifyError(op, err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return classifyError(op, fn(&transaction{ctx: ctx, tx: sqlTx, now: s.nowFn()}))
}

// AppendSnapshots inserts history rows outside of any business transaction.
func (s *Store) AppendSnapshots(ctx context.Context, snapshots []domain.StatsSnapshot) error {
	const op = "postgres.append_snapshots"
	if len(snapshots) == 0 {
		return nil
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
	now := s.nowFn()
	for _, snap := range snapshots {
		if snap.DepositID == "" {
			return domain.NewError(domain.CodeInvalidInput, domain.EntityStatsSnapshot, snap.ID, "snapshot requires a deposit id")
		}
		if snap.ID == "" {
			snap.ID = uuid.NewString()
		}
		if snap.CreatedAt.IsZero() {
			snap.CreatedAt = now
		}
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO deposit_storage_stats (id, deposit_id, aid_type, capacity, stored_quantity, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			snap.ID, snap.DepositID, string(snap.AidType), snap.Capacity, snap.StoredQuantity, snap.CreatedAt,
		); err != nil {
			return classifyError(op, err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return classifyError(op, err)
	}
	committed = true
	return nil
}

// ListSnapshots returns up to limit history rows for a deposit, newest first.
func (s *Store) ListSnapshots(ctx context.Context, depositID string, limit int) ([]domain.StatsSnapshot, error) {
	const op = "postgres.list_snapshots"
	query := `SELECT id, deposit_id, aid_type, capacity, stored_quantity, created_at FROM deposit_storage_stats WHERE deposit_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{depositID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(op, err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.StatsSnapshot, 0)
	for rows.Next() {
		var snap domain.StatsSnapshot
		var aidType string
		if err := rows.Scan(&snap.ID, &snap.DepositID, &aidType, &snap.Capacity, &snap.StoredQuantity, &snap.CreatedAt); err != nil {
			return nil, classifyError(op, err)
		}
		snap.AidType = domain.AidType(aidType)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(op, err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// RulesEngine exposes the engine evaluated before each commit.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Postgres SQLSTATE codes that abort a transaction without a business reason.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgCheckViolation       = "23514"
)

// classifyError maps driver failures onto the domain error taxonomy. Domain
// errors and rule violations pass through untouched.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return domain.WithOp(op, err)
	}
	var rv domain.RuleViolationError
	if errors.As(err, &rv) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.CodeTransactionTimeout, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return domain.WrapError(domain.CodeTransactionConflict, op, err)
		case pgLockNotAvailable, pgQueryCanceled:
			return domain.WrapError(domain.CodeTransactionTimeout, op, err)
		case pgCheckViolation:
			if code, ok := constraintCodes[pgErr.ConstraintName]; ok {
				return domain.WrapError(code, op, err)
			}
		}
	}
	return domain.WrapError(domain.CodeInternal, op, err)
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
