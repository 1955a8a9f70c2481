package stats

import (
	"aidstock/internal/blob"
	"aidstock/internal/core"
	"aidstock/pkg/domain"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const archiveParallelism = 4

// HistoryArchive is the JSON document written for one deposit.
type HistoryArchive struct {
	DepositID  string                 `json:"deposit_id"`
	ArchivedAt time.Time              `json:"archived_at"`
	Snapshots  []domain.StatsSnapshot `json:"snapshots"`
}

// Archiver copies deposit storage history into a blob store.
type Archiver struct {
	store  domain.PersistentStore
	blobs  blob.Store
	clock  core.Clock
	logger core.Logger
}

// NewArchiver returns an Archiver. A nil clock or logger gets a default.
func NewArchiver(store domain.PersistentStore, blobs blob.Store, clock core.Clock, logger core.Logger) *Archiver {
	if clock == nil {
		clock = core.ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Archiver{store: store, blobs: blobs, clock: clock, logger: logger}
}

// ArchiveKey is the object key for a deposit archive taken at t.
func ArchiveKey(depositID string, t time.Time) string {
	return fmt.Sprintf("deposits/%s/history/%d.json", depositID, t.Unix())
}

// ArchiveDeposit writes the complete history of one deposit.
func (a *Archiver) ArchiveDeposit(ctx context.Context, depositID string) (blob.Info, error) {
	rows, err := a.store.ListSnapshots(ctx, depositID, 0)
	if err != nil {
		return blob.Info{}, fmt.Errorf("list history for deposit %s: %w", depositID, err)
	}
	now := a.clock.Now().UTC()
	doc := HistoryArchive{DepositID: depositID, ArchivedAt: now, Snapshots: rows}
	if doc.Snapshots == nil {
		doc.Snapshots = []domain.StatsSnapshot{}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return blob.Info{}, err
	}
	info, err := a.blobs.Put(ctx, ArchiveKey(depositID, now), bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"deposit-id": depositID, "rows": fmt.Sprint(len(rows))},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("archive deposit %s: %w", depositID, err)
	}
	return info, nil
}

// ArchiveAll archives every deposit and returns how many were written.
// Deposits already archived within the same second are skipped.
func (a *Archiver) ArchiveAll(ctx context.Context) (int, error) {
	var ids []string
	err := a.store.View(ctx, func(view domain.TransactionView) error {
		deposits, err := view.ListDeposits()
		if err != nil {
			return err
		}
		for _, dep := range deposits {
			ids = append(ids, dep.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveParallelism)
	for _, id := range ids {
		g.Go(func() error {
			_, err := a.ArchiveDeposit(gctx, id)
			switch {
			case errors.Is(err, blob.ErrExists):
				return nil
			case err != nil:
				return err
			}
			written.Add(1)
			return nil
		})
	}
	err = g.Wait()
	a.logger.Info("deposit history archived", "deposits", len(ids), "written", written.Load())
	return int(written.Load()), err
}

// LoadArchive reads an archive previously written under key.
func (a *Archiver) LoadArchive(ctx context.Context, key string) (HistoryArchive, error) {
	_, rc, err := a.blobs.Get(ctx, key)
	if err != nil {
		return HistoryArchive{}, err
	}
	defer rc.Close()
	var doc HistoryArchive
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return HistoryArchive{}, fmt.Errorf("decode archive %s: %w", key, err)
	}
	return doc, nil
}
