// Package sqlite persists the in-memory transactional store to a SQLite file.
// Transactional records are snapshotted as JSON buckets after every commit;
// stats history goes to an append-only table.
package sqlite

import (
	"aidstock/internal/infra/persistence/memory"
	"aidstock/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

type (
	// Result is an alias of domain.Result.
	Result = domain.Result
	// RulesEngine is an alias of domain.RulesEngine.
	RulesEngine = domain.RulesEngine
	// Transaction is an alias of domain.Transaction.
	Transaction = domain.Transaction
)

// Store persists the in-memory state to a single SQLite table as JSON blobs.
// It snapshots the full state after every successful transaction.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS state (
	bucket TEXT PRIMARY KEY,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS deposit_storage_stats (
	id TEXT PRIMARY KEY,
	deposit_id TEXT NOT NULL,
	aid_type TEXT NOT NULL,
	capacity INTEGER NOT NULL,
	stored_quantity INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deposit_storage_stats_deposit ON deposit_storage_stats(deposit_id, created_at DESC);
`

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = "aidstock.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY between
	// the state snapshot and history appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &Store{db: db, path: path}
	opts = append(opts, memory.WithCommitHook(s.persist))
	s.Store = memory.NewStore(engine, opts...)
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteBuckets = []string{"deposits", "aids", "distributions", "visits", "visit_stats"}

func bucketTarget(state *memory.State, bucket string) any {
	switch bucket {
	case "deposits":
		return &state.Deposits
	case "aids":
		return &state.Aids
	case "distributions":
		return &state.Distributions
	case "visits":
		return &state.Visits
	case "visit_stats":
		return &state.VisitStats
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	state := memory.State{}
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		target := bucketTarget(&state, bucket)
		if target == nil {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if found {
		s.ImportState(state)
	}
	return nil
}

// persist writes the candidate state of a commit. It runs before the state
// is swapped in memory, so a failed write leaves both copies unchanged.
func (s *Store) persist(ctx context.Context, state memory.State) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.CodeInternal, "sqlite.persist", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		data, err := json.Marshal(bucketTarget(&state, bucket))
		if err != nil {
			return domain.WrapError(domain.CodeInternal, "sqlite.persist", fmt.Errorf("encode %s: %w", bucket, err))
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return domain.WrapError(domain.CodeInternal, "sqlite.persist", fmt.Errorf("upsert %s: %w", bucket, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.CodeInternal, "sqlite.persist", err)
	}
	return nil
}

// AppendSnapshots inserts history rows into deposit_storage_stats.
func (s *Store) AppendSnapshots(ctx context.Context, snapshots []domain.StatsSnapshot) (retErr error) {
	if len(snapshots) == 0 {
		return nil
	}
	now := s.NowFunc()()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapError(domain.CodeInternal, "sqlite.append_snapshots", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deposit_storage_stats(id, deposit_id, aid_type, capacity, stored_quantity, created_at) VALUES(?,?,?,?,?,?)`,
			snap.ID, snap.DepositID, string(snap.AidType), snap.Capacity, snap.StoredQuantity, snap.CreatedAt.UTC().Format(timeLayout),
		); err != nil {
			return domain.WrapError(domain.CodeInternal, "sqlite.append_snapshots", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapError(domain.CodeInternal, "sqlite.append_snapshots", err)
	}
	return nil
}

// ListSnapshots returns up to limit history rows for a deposit, newest first.
func (s *Store) ListSnapshots(ctx context.Context, depositID string, limit int) ([]domain.StatsSnapshot, error) {
	query := `SELECT id, deposit_id, aid_type, capacity, stored_quantity, created_at
		FROM deposit_storage_stats WHERE deposit_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{depositID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, "sqlite.list_snapshots", err)
	}
	defer func() { _ = rows.Close() }()
	out := make([]domain.StatsSnapshot, 0)
	for rows.Next() {
		var snap domain.StatsSnapshot
		var aidType, created string
		if err := rows.Scan(&snap.ID, &snap.DepositID, &aidType, &snap.Capacity, &snap.StoredQuantity, &created); err != nil {
			return nil, domain.WrapError(domain.CodeInternal, "sqlite.list_snapshots", err)
		}
		snap.AidType = domain.AidType(aidType)
		if snap.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, domain.WrapError(domain.CodeInternal, "sqlite.list_snapshots", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapError(domain.CodeInternal, "sqlite.list_snapshots", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
