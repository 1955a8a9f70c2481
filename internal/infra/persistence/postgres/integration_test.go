//go:build integration

package postgres

import (
	"aidstock/internal/testutil/containers"
	"aidstock/pkg/domain"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreAgainstContainer(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	store, err := NewStore(pg.DSN, domain.NewRulesEngine(), WithLockTimeout(200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	var depID string
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		dep, err := tx.CreateDeposit(domain.Deposit{Name: "Central", Capacity: 100, CurrentQuantity: 50, HumidityLevel: domain.HumidityMedium})
		depID = dep.ID
		return err
	})
	require.NoError(t, err)

	t.Run("check constraint maps to capacity exceeded", func(t *testing.T) {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.UpdateDeposit(depID, func(d *domain.Deposit) error {
				d.CurrentQuantity = 101
				return nil
			})
			return err
		})
		assert.True(t, domain.IsCode(err, domain.CodeCapacityExceeded), "got %v", err)
	})

	t.Run("row lock wait surfaces as timeout", func(t *testing.T) {
		locked := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				if _, err := tx.FindDeposit(depID); err != nil {
					return err
				}
				close(locked)
				<-release
				return nil
			})
			done <- err
		}()
		<-locked
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.FindDeposit(depID)
			return err
		})
		close(release)
		require.NoError(t, <-done)
		assert.True(t, domain.IsCode(err, domain.CodeTransactionTimeout), "got %v", err)
	})

	t.Run("history is newest first", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, store.AppendSnapshots(ctx, []domain.StatsSnapshot{
			{DepositID: depID, AidType: domain.AidTypeFood, Capacity: 100, StoredQuantity: 1, CreatedAt: base},
			{DepositID: depID, AidType: domain.AidTypeFood, Capacity: 100, StoredQuantity: 2, CreatedAt: base.Add(time.Minute)},
		}))
		got, err := store.ListSnapshots(ctx, depID, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].StoredQuantity)
	})
}
