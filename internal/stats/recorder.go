// Package stats records the append-only storage history of deposits and
// decides when that recording happens relative to the committing operation.
package stats

import (
	"aidstock/internal/core"
	"aidstock/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Recorder appends StatsSnapshot rows describing what a deposit holds.
type Recorder struct {
	store  domain.PersistentStore
	clock  core.Clock
	logger core.Logger
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the snapshot timestamp source.
func WithRecorderClock(clock core.Clock) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(logger core.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder returns a Recorder over store.
func NewRecorder(store domain.PersistentStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		clock:  core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordSnapshot reads the deposit's current holdings and appends one row per
// aid type it stores. An empty deposit gets a single zero-quantity OTHER row.
// Every call appends; rows are never deduplicated or rewritten.
func (r *Recorder) RecordSnapshot(ctx context.Context, depositID string) ([]domain.StatsSnapshot, error) {
	var rows []domain.StatsSnapshot
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		dep, err := view.FindDeposit(depositID)
		if err != nil {
			return err
		}
		aids, err := view.ListAidsByDeposit(depositID)
		if err != nil {
			return err
		}
		rows = snapshotRows(dep, aids, r.clock.Now().UTC())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record snapshot for deposit %s: %w", depositID, err)
	}
	if err := r.store.AppendSnapshots(ctx, rows); err != nil {
		return nil, fmt.Errorf("append snapshots for deposit %s: %w", depositID, err)
	}
	r.logger.Debug("stats snapshot recorded", "deposit", depositID, "rows", len(rows))
	return rows, nil
}

// RecordAll records every listed deposit, continuing past failures.
func (r *Recorder) RecordAll(ctx context.Context, depositIDs ...string) error {
	var errs []error
	for _, id := range depositIDs {
		if id == "" {
			continue
		}
		if _, err := r.RecordSnapshot(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func snapshotRows(dep domain.Deposit, aids []domain.Aid, at time.Time) []domain.StatsSnapshot {
	totals := make(map[domain.AidType]int)
	for _, aid := range aids {
		totals[aid.Type] += aid.Quantity
	}
	if len(totals) == 0 {
		totals[domain.AidTypeOther] = 0
	}
	types := make([]domain.AidType, 0, len(totals))
	for t := range totals {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	rows := make([]domain.StatsSnapshot, 0, len(types))
	for _, t := range types {
		rows = append(rows, domain.StatsSnapshot{
			DepositID:      dep.ID,
			AidType:        t,
			Capacity:       dep.Capacity,
			StoredQuantity: totals[t],
			CreatedAt:      at,
		})
	}
	return rows
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
