package housekeeping

import (
	"aidstock/internal/blob"
	"aidstock/internal/core"
	"aidstock/internal/infra/persistence/memory"
	"aidstock/internal/stats"
	"aidstock/pkg/domain"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidatesJobs(t *testing.T) {
	s := NewScheduler(context.Background(), nil, 0)
	noop := func(context.Context) error { return nil }

	require.Error(t, s.Add(Job{Spec: "@daily", Run: noop}))
	require.Error(t, s.Add(Job{Name: "x", Spec: "@daily"}))
	require.Error(t, s.Add(Job{Name: "x", Spec: "not a schedule", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "x", Spec: "@every 1h", Run: noop}))
	require.Error(t, s.Add(Job{Name: "x", Spec: "@daily", Run: noop}), "duplicate names are rejected")
	require.NoError(t, s.Add(Job{Name: "a", Spec: "0 30 2 * * *", Run: noop}))
	assert.Equal(t, []string{"a", "x"}, s.Jobs())
	assert.Equal(t, defaultJobTimeout, s.timeout)
}

func TestRunNowAppliesTimeoutAndSkipsOverlap(t *testing.T) {
	s := NewScheduler(context.Background(), nil, 300*time.Millisecond)
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "slow", Spec: "@daily", Run: func(ctx context.Context) error {
		runs.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}))

	first := make(chan error, 1)
	go func() { first <- s.RunNow("slow") }()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.RunNow("slow"), "overlapping run is skipped")
	assert.EqualValues(t, 1, runs.Load())

	require.ErrorIs(t, <-first, context.DeadlineExceeded)
	close(release)
	require.Error(t, s.RunNow("missing"))
}

func TestScheduledJobFires(t *testing.T) {
	s := NewScheduler(context.Background(), nil, time.Second)
	fired := make(chan struct{}, 1)
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return errors.New("logged, not fatal")
	}}))
	s.Start()
	defer s.Stop()
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not fire")
	}
}

func TestStandardJobsRebuildStatsAndArchive(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(core.NewDefaultRulesEngine())
	svc := core.NewService(store)

	dep, _, err := svc.CreateDeposit(ctx, domain.Deposit{Name: "Central", Capacity: 20, HumidityLevel: domain.HumidityMedium})
	require.NoError(t, err)
	aid, _, err := svc.CreateAid(ctx, domain.Aid{Name: "Rice", Type: domain.AidTypeFood, Quantity: 10, DepositID: &dep.ID})
	require.NoError(t, err)
	_, _, err = svc.UpsertVisit(ctx, domain.Visit{Base: domain.Base{ID: "v1"}, UserID: "u", IsActive: true})
	require.NoError(t, err)
	_, _, err = svc.CreateDistribution(ctx, core.CreateDistributionInput{VisitID: "v1", AidID: aid.ID, Quantity: 2})
	require.NoError(t, err)
	_, _, err = svc.UpsertVisit(ctx, domain.Visit{Base: domain.Base{ID: "v1"}, UserID: "u", IsCompleted: true})
	require.NoError(t, err)
	require.NoError(t, stats.NewRecorder(store).RecordAll(ctx, dep.ID))

	blobs := blob.NewMemory()
	s := NewScheduler(ctx, nil, time.Minute)
	require.NoError(t, RegisterStandardJobs(s, svc, stats.NewArchiver(store, blobs, nil, nil), Schedules{}))
	assert.Equal(t, []string{JobHistoryArchive, JobVisitStats}, s.Jobs())

	require.NoError(t, s.RunNow(JobVisitStats))
	visit, err := svc.GetVisit(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, visit.StatsComputed)

	require.NoError(t, s.RunNow(JobHistoryArchive))
	objects, err := blobs.List(ctx, "deposits/"+dep.ID+"/history/")
	require.NoError(t, err)
	assert.Len(t, objects, 1)

	bare := NewScheduler(ctx, nil, 0)
	require.NoError(t, RegisterStandardJobs(bare, svc, nil, Schedules{VisitStats: "@every 6h"}))
	assert.Equal(t, []string{JobVisitStats}, bare.Jobs())
}
