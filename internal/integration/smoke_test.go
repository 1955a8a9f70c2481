package integration

import (
	"aidstock/internal/blob"
	"aidstock/internal/core"
	"aidstock/internal/infra/persistence/memory"
	"aidstock/internal/infra/persistence/sqlite"
	"aidstock/internal/stats"
	"aidstock/pkg/domain"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

// TestIntegrationSmoke runs one distribution cycle against every in-process
// store and archives the resulting history into every local blob backend.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()

	storeVariants := []struct {
		name string
		open func(t *testing.T) domain.PersistentStore
	}{
		{
			name: "memory-store",
			open: func(_ *testing.T) domain.PersistentStore {
				return memory.NewStore(core.NewDefaultRulesEngine())
			},
		},
		{
			name: "sqlite-store",
			open: func(t *testing.T) domain.PersistentStore {
				s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "aid.db"), core.NewDefaultRulesEngine())
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	blobVariants := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{name: "memory-blob", open: func(_ *testing.T) blob.Store { return blob.NewMemory() }},
		{
			name: "filesystem-blob",
			open: func(t *testing.T) blob.Store {
				fs, err := blob.NewFilesystem(t.TempDir())
				if err != nil {
					t.Fatalf("new filesystem blob: %v", err)
				}
				return fs
			},
		},
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				store := sv.open(t)
				blobs := bv.open(t)
				metricsRecorder := core.NewExpvarMetricsRecorder("")
				var traceBuffer bytes.Buffer
				tracer := core.NewJSONTracer(&traceBuffer)
				recorder := stats.NewRecorder(store)
				svc := core.NewService(store,
					core.WithMetricsRecorder(metricsRecorder),
					core.WithTracer(tracer),
					core.WithSnapshotNotifier(stats.NewInlineNotifier(recorder)),
				)

				dep, _, err := svc.CreateDeposit(ctx, domain.Deposit{Name: "Central", Capacity: 50, HumidityLevel: domain.HumidityMedium})
				if err != nil {
					t.Fatalf("create deposit: %v", err)
				}
				aid, _, err := svc.CreateAid(ctx, domain.Aid{Name: "Rice", Type: domain.AidTypeFood, Quantity: 20, DepositID: &dep.ID})
				if err != nil {
					t.Fatalf("create aid: %v", err)
				}
				if _, _, err := svc.UpsertVisit(ctx, domain.Visit{Base: domain.Base{ID: "visit-smoke"}, UserID: "u1", IsActive: true}); err != nil {
					t.Fatalf("upsert visit: %v", err)
				}
				dist, res, err := svc.CreateDistribution(ctx, core.CreateDistributionInput{VisitID: "visit-smoke", AidID: aid.ID, Quantity: 5})
				if err != nil {
					t.Fatalf("create distribution: %v", err)
				}
				if res.HasBlocking() {
					t.Fatalf("unexpected blocking violations: %+v", res.Violations)
				}

				util, err := svc.GetDepositUtilization(ctx, dep.ID)
				if err != nil {
					t.Fatalf("utilization: %v", err)
				}
				if util.CurrentQuantity != 15 || util.Capacity != 50 {
					t.Fatalf("unexpected utilization: %+v", util)
				}
				if _, err := svc.ReverseDistribution(ctx, dist.ID); err != nil {
					t.Fatalf("reverse: %v", err)
				}

				history, err := svc.GetDepositHistory(ctx, dep.ID, 0)
				if err != nil {
					t.Fatalf("history: %v", err)
				}
				// deposit creation, aid creation, distribution and reversal each append a row
				if len(history) < 4 {
					t.Fatalf("expected a history row per commit, got %d", len(history))
				}
				var sawReduced bool
				for _, row := range history {
					if row.AidType == domain.AidTypeFood && row.StoredQuantity == 15 {
						sawReduced = true
					}
				}
				if !sawReduced {
					t.Fatalf("expected a FOOD snapshot taken after the distribution: %+v", history)
				}

				archiver := stats.NewArchiver(store, blobs, core.ClockFunc(func() time.Time {
					return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
				}), nil)
				info, err := archiver.ArchiveDeposit(ctx, dep.ID)
				if err != nil {
					t.Fatalf("archive: %v", err)
				}
				archived, err := archiver.LoadArchive(ctx, info.Key)
				if err != nil {
					t.Fatalf("load archive: %v", err)
				}
				if archived.DepositID != dep.ID || len(archived.Snapshots) != len(history) {
					t.Fatalf("archive does not match history: %+v", archived)
				}

				if metricsRecorder.Snapshot().Operations["create_distribution"].Success == 0 {
					t.Fatalf("expected create_distribution success metric")
				}
				var foundSpan bool
				for _, entry := range tracer.Entries() {
					if entry.Operation == "reverse_distribution" && entry.Status == "success" {
						foundSpan = true
						break
					}
				}
				if !foundSpan || traceBuffer.Len() == 0 {
					t.Fatalf("expected reverse_distribution span, entries=%+v", tracer.Entries())
				}
			})
		}
	}
}
