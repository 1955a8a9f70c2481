package core

import (
	"aidstock/internal/infra/persistence/memory"
	"aidstock/pkg/domain"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateAndReverseRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 50)

	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 7, Unit: strPtr("kg")})
	if err != nil {
		t.Fatalf("create distribution: %v", err)
	}
	if dist.SourceDepositID != f.deposit.ID || !dist.IsActive() || dist.Quantity != 7 {
		t.Fatalf("unexpected distribution: %+v", dist)
	}
	assertStock(t, svc, f.aid.ID, 43, f.deposit.ID, 43)

	if _, err := svc.ReverseDistribution(ctx, dist.ID); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	assertStock(t, svc, f.aid.ID, 50, f.deposit.ID, 50)

	got, err := svc.GetDistribution(ctx, dist.ID)
	if err != nil {
		t.Fatalf("reversed distributions stay readable: %v", err)
	}
	if got.IsActive() || got.ReversedAt == nil || !got.ReversedAt.Equal(fixedNow) {
		t.Fatalf("expected reversed record with timestamp, got %+v", got)
	}
}

func TestCreateDistributionValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 20)
	orphan := mustAid(t, svc, domain.Aid{Name: "Voucher", Type: domain.AidTypeFinancial})
	if _, _, err := svc.UpsertVisit(ctx, domain.Visit{Base: domain.Base{ID: "planned"}, UserID: "u"}); err != nil {
		t.Fatalf("upsert planned visit: %v", err)
	}

	cases := []struct {
		name string
		in   CreateDistributionInput
		want domain.ErrorCode
	}{
		{"missing visit", CreateDistributionInput{VisitID: "nope", AidID: f.aid.ID, Quantity: 1}, domain.CodeNotFound},
		{"inactive visit", CreateDistributionInput{VisitID: "planned", AidID: f.aid.ID, Quantity: 1}, domain.CodeNoActiveVisit},
		{"missing aid", CreateDistributionInput{VisitID: f.visit.ID, AidID: "nope", Quantity: 1}, domain.CodeNotFound},
		{"zero quantity", CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 0}, domain.CodeInvalidQuantity},
		{"negative quantity", CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: -3}, domain.CodeInvalidQuantity},
		{"no deposit", CreateDistributionInput{VisitID: f.visit.ID, AidID: orphan.ID, Quantity: 1}, domain.CodeNoDeposit},
		{"more than aid holds", CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 21}, domain.CodeInsufficientStock},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.CreateDistribution(ctx, tc.in)
			if !domain.IsCode(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
			assertStock(t, svc, f.aid.ID, 20, f.deposit.ID, 20)
		})
	}
}

func TestInsufficientStockCarriesContext(t *testing.T) {
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 5)
	_, _, err := svc.CreateDistribution(context.Background(), CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 9})
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if de.Code != domain.CodeInsufficientStock || de.Requested != 9 || de.Available != 5 || de.EntityID != f.aid.ID {
		t.Fatalf("unexpected error detail: %+v", de)
	}
	if de.Op != "create_distribution" {
		t.Fatalf("expected operation annotation, got %q", de.Op)
	}
}

func TestDepositShortOfAidQuantityIsInsufficient(t *testing.T) {
	ctx := context.Background()
	// Seed a deposit holding less than its aid claims, bypassing the service.
	store := memory.NewStore(NewRulesEngine())
	svc := NewService(store)
	var depID, aidID string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		dep, err := tx.CreateDeposit(domain.Deposit{Name: "Short", Capacity: 10, CurrentQuantity: 3, HumidityLevel: domain.HumidityLow})
		if err != nil {
			return err
		}
		depID = dep.ID
		aid, err := tx.CreateAid(domain.Aid{Name: "Beans", Type: domain.AidTypeFood, Quantity: 8, DepositID: &dep.ID})
		aidID = aid.ID
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mustVisit(t, svc, "v", false)

	_, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: "v", AidID: aidID, Quantity: 4})
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeInsufficientStock || de.Entity != domain.EntityDeposit || de.Available != 3 {
		t.Fatalf("expected deposit shortage, got %v", err)
	}
	assertStock(t, svc, aidID, 8, depID, 3)
}

func TestCreateDistributionBoundaryDrainsStock(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 30, 12)
	other := mustAid(t, svc, domain.Aid{Name: "Oil", Quantity: 8, DepositID: &f.deposit.ID})

	if _, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 12}); err != nil {
		t.Fatalf("exact quantity must succeed: %v", err)
	}
	assertStock(t, svc, f.aid.ID, 0, f.deposit.ID, 8)
	assertStock(t, svc, other.ID, 8, f.deposit.ID, 8)

	if _, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 1}); !domain.IsCode(err, domain.CodeInsufficientStock) {
		t.Fatalf("expected insufficient stock on drained aid, got %v", err)
	}
}

func TestInsulinCannotLeaveDryStore(t *testing.T) {
	ctx := context.Background()
	// Without rules the store accepts the incompatible pairing so the service
	// check can be observed on its own.
	store := memory.NewStore(NewRulesEngine())
	svc := NewService(store)
	var aidID, depID string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		dep, err := tx.CreateDeposit(domain.Deposit{Name: "Dry Store", Capacity: 500, CurrentQuantity: 200, HumidityLevel: domain.HumidityLow})
		if err != nil {
			return err
		}
		depID = dep.ID
		aid, err := tx.CreateAid(domain.Aid{
			Name:                    "Insulin",
			Type:                    domain.AidTypeMedicine,
			Quantity:                200,
			DepositID:               &dep.ID,
			RequiresRefrigeration:   true,
			RequiredMaxTemperatureC: floatPtr(8),
		})
		aidID = aid.ID
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mustVisit(t, svc, "v", false)

	for _, qty := range []int{1, 50, 200} {
		_, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: "v", AidID: aidID, Quantity: qty})
		if !domain.IsCode(err, domain.CodeIncompatibleStorage) {
			t.Fatalf("quantity %d: expected incompatible storage, got %v", qty, err)
		}
	}
	assertStock(t, svc, aidID, 200, depID, 200)
}

func TestUpdateDistributionSamePairAppliesDifference(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 40)
	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(25), Notes: strPtr("second round")})
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if updated.Quantity != 25 || updated.Notes == nil || *updated.Notes != "second round" {
		t.Fatalf("unexpected update: %+v", updated)
	}
	assertStock(t, svc, f.aid.ID, 15, f.deposit.ID, 15)

	// Only the increase has to be available.
	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(40)}); err != nil {
		t.Fatalf("increase by exactly the remaining stock: %v", err)
	}
	assertStock(t, svc, f.aid.ID, 0, f.deposit.ID, 0)

	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(41)}); !domain.IsCode(err, domain.CodeInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(0)}); !domain.IsCode(err, domain.CodeInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}

	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(5)}); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	assertStock(t, svc, f.aid.ID, 35, f.deposit.ID, 35)
}

func TestUpdateDistributionKeepsProvenanceWhenAidMoved(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 30)
	other := mustDeposit(t, svc, domain.Deposit{Name: "Annex", Capacity: 100})
	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.UpdateAid(ctx, f.aid.ID, AidPatch{DepositID: &other.ID}); err != nil {
		t.Fatalf("move aid: %v", err)
	}

	updated, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Notes: strPtr("handed to neighbour")})
	if err != nil {
		t.Fatalf("notes edit: %v", err)
	}
	if updated.SourceDepositID != f.deposit.ID {
		t.Fatalf("notes-only edit moved provenance to %s, want %s", updated.SourceDepositID, f.deposit.ID)
	}
	if updated.AidID != f.aid.ID || updated.Quantity != 5 {
		t.Fatalf("unexpected update: %+v", updated)
	}
	assertStock(t, svc, f.aid.ID, 25, other.ID, 25)
	assertStock(t, svc, f.aid.ID, 25, f.deposit.ID, 0)
}

func TestUpdateDistributionMovesBetweenPairs(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	dep1 := mustDeposit(t, svc, domain.Deposit{Name: "Dep1", Capacity: 100})
	dep2 := mustDeposit(t, svc, domain.Deposit{Name: "Dep2", Capacity: 100})
	a1 := mustAid(t, svc, domain.Aid{Name: "A1", Quantity: 40, DepositID: &dep1.ID})
	a2 := mustAid(t, svc, domain.Aid{Name: "A2", Quantity: 30, DepositID: &dep2.ID})
	visit := mustVisit(t, svc, "v", false)

	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: visit.ID, AidID: a1.ID, Quantity: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	assertStock(t, svc, a1.ID, 30, dep1.ID, 30)

	notifier := &captureNotifier{}
	svc.notifier = notifier
	moved, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{AidID: &a2.ID, Quantity: intPtr(15)})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	assertStock(t, svc, a1.ID, 40, dep1.ID, 40)
	assertStock(t, svc, a2.ID, 15, dep2.ID, 15)
	if moved.AidID != a2.ID || moved.SourceDepositID != dep2.ID || moved.Quantity != 15 {
		t.Fatalf("distribution must reference the new pair: %+v", moved)
	}
	if got := notifier.last(); len(got) != 2 {
		t.Fatalf("expected both deposits refreshed, got %v", got)
	}
}

func TestUpdateDistributionMoveWithinOneDepositSeesReturnedStock(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	dep := mustDeposit(t, svc, domain.Deposit{Name: "Shared", Capacity: 20})
	a1 := mustAid(t, svc, domain.Aid{Name: "A1", Quantity: 10, DepositID: &dep.ID})
	a2 := mustAid(t, svc, domain.Aid{Name: "A2", Quantity: 10, DepositID: &dep.ID})
	visit := mustVisit(t, svc, "v", false)

	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: visit.ID, AidID: a1.ID, Quantity: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The deposit is at 10/20; returning 10 to A1 first keeps it within capacity.
	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{AidID: &a2.ID, Quantity: intPtr(10)}); err != nil {
		t.Fatalf("move: %v", err)
	}
	assertStock(t, svc, a1.ID, 10, dep.ID, 10)
	assertStock(t, svc, a2.ID, 0, dep.ID, 10)
}

func TestUpdateDistributionMoveRejectsIncompatibleTarget(t *testing.T) {
	ctx := context.Background()
	svc := NewInMemoryService(NewRulesEngine())
	dry := mustDeposit(t, svc, domain.Deposit{Name: "Dry", Capacity: 100})
	rice := mustAid(t, svc, domain.Aid{Name: "Rice", Quantity: 30, DepositID: &dry.ID})
	visit := mustVisit(t, svc, "v", false)
	var vaccineID string
	if _, err := svc.Store().RunInTransaction(ctx, func(tx domain.Transaction) error {
		v, err := tx.CreateAid(domain.Aid{Name: "Vaccine", Type: domain.AidTypeMedicine, Quantity: 10, DepositID: &dry.ID, RequiresRefrigeration: true})
		vaccineID = v.ID
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: visit.ID, AidID: rice.ID, Quantity: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{AidID: &vaccineID}); !domain.IsCode(err, domain.CodeIncompatibleStorage) {
		t.Fatalf("expected incompatible storage, got %v", err)
	}
	assertStock(t, svc, rice.ID, 25, dry.ID, 25)
	assertStock(t, svc, vaccineID, 10, dry.ID, 25)
}

func TestUpdateDistributionFailedMoveLeavesNoPartialReturn(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	dep1 := mustDeposit(t, svc, domain.Deposit{Name: "Dep1", Capacity: 100})
	dep2 := mustDeposit(t, svc, domain.Deposit{Name: "Dep2", Capacity: 100})
	a1 := mustAid(t, svc, domain.Aid{Name: "A1", Quantity: 40, DepositID: &dep1.ID})
	a2 := mustAid(t, svc, domain.Aid{Name: "A2", Quantity: 5, DepositID: &dep2.ID})
	visit := mustVisit(t, svc, "v", false)
	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: visit.ID, AidID: a1.ID, Quantity: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{AidID: &a2.ID, Quantity: intPtr(6)}); !domain.IsCode(err, domain.CodeInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	assertStock(t, svc, a1.ID, 30, dep1.ID, 30)
	assertStock(t, svc, a2.ID, 5, dep2.ID, 5)
	got, _ := svc.GetDistribution(ctx, dist.ID)
	if got.AidID != a1.ID || got.Quantity != 10 {
		t.Fatalf("distribution must be untouched: %+v", got)
	}
}

func TestReverseTwiceFails(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 50)
	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 10})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.ReverseDistribution(ctx, dist.ID); err != nil {
		t.Fatalf("first reverse: %v", err)
	}
	if _, err := svc.ReverseDistribution(ctx, dist.ID); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not found on second reverse, got %v", err)
	}
	assertStock(t, svc, f.aid.ID, 50, f.deposit.ID, 50)
	if _, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(1)}); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("reversed distributions cannot be edited, got %v", err)
	}
	if _, err := svc.ReverseDistribution(ctx, "missing"); !domain.IsCode(err, domain.CodeNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestReverseOverflowIsCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 10, 10)
	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	filler := mustAid(t, svc, domain.Aid{Name: "Filler", Quantity: 5, DepositID: &f.deposit.ID})
	assertStock(t, svc, filler.ID, 5, f.deposit.ID, 10)

	_, err = svc.ReverseDistribution(ctx, dist.ID)
	var de *domain.Error
	if !errors.As(err, &de) || de.Code != domain.CodeCapacityExceeded || de.Requested != 5 || de.Available != 0 {
		t.Fatalf("expected capacity exceeded with context, got %v", err)
	}
	assertStock(t, svc, f.aid.ID, 5, f.deposit.ID, 10)
	got, _ := svc.GetDistribution(ctx, dist.ID)
	if !got.IsActive() {
		t.Fatalf("failed reversal must leave the distribution active")
	}
}

func TestStockConservedAcrossOperations(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 200, 120)
	second := mustAid(t, svc, domain.Aid{Name: "Flour", Quantity: 60, DepositID: &f.deposit.ID})
	const total = 180

	conserved := func(step string) {
		t.Helper()
		dists, err := svc.ListVisitDistributions(ctx, f.visit.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		sum := mustGetAid(t, svc, f.aid.ID).Quantity + mustGetAid(t, svc, second.ID).Quantity
		for _, d := range dists {
			if d.IsActive() {
				sum += d.Quantity
			}
		}
		if sum != total {
			t.Fatalf("%s: stock not conserved, got %d want %d", step, sum, total)
		}
		dep := mustGetDeposit(t, svc, f.deposit.ID)
		if dep.CurrentQuantity < 0 || dep.CurrentQuantity > dep.Capacity {
			t.Fatalf("%s: deposit out of bounds: %d/%d", step, dep.CurrentQuantity, dep.Capacity)
		}
	}

	d1, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 30})
	if err != nil {
		t.Fatalf("create d1: %v", err)
	}
	conserved("create d1")
	d2, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: second.ID, Quantity: 20})
	if err != nil {
		t.Fatalf("create d2: %v", err)
	}
	conserved("create d2")
	if _, _, err := svc.UpdateDistribution(ctx, d1.ID, DistributionPatch{Quantity: intPtr(45)}); err != nil {
		t.Fatalf("update d1: %v", err)
	}
	conserved("update d1")
	if _, _, err := svc.UpdateDistribution(ctx, d2.ID, DistributionPatch{AidID: &f.aid.ID, Quantity: intPtr(5)}); err != nil {
		t.Fatalf("move d2: %v", err)
	}
	conserved("move d2")
	_, _, _ = svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 1000})
	conserved("failed create")
	if _, err := svc.ReverseDistribution(ctx, d1.ID); err != nil {
		t.Fatalf("reverse d1: %v", err)
	}
	conserved("reverse d1")
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 10)

	const workers = 2
	start := make(chan struct{})
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, _, errs[i] = svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 6})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.IsCode(err, domain.CodeInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success, got ok=%d insufficient=%d", ok, insufficient)
	}
	assertStock(t, svc, f.aid.ID, 4, f.deposit.ID, 4)
}

func TestLockTimeoutLeavesNoPartialMutation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithLockTimeout(20*time.Millisecond))
	svc := NewService(store)
	f := newStockFixture(t, svc, 100, 50)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
			close(locked)
			<-release
			return nil
		})
		done <- err
	}()
	<-locked
	_, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: f.visit.ID, AidID: f.aid.ID, Quantity: 5})
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
	if !domain.IsCode(err, domain.CodeTransactionTimeout) {
		t.Fatalf("expected transaction timeout, got %v", err)
	}
	assertStock(t, svc, f.aid.ID, 50, f.deposit.ID, 50)
}

func TestCreateDistributionForUser(t *testing.T) {
	ctx := context.Background()
	resolver := visitResolverFunc(func(_ context.Context, userID string) (string, error) {
		if userID == "field-worker" {
			return "visit-1", nil
		}
		return "", domain.NotFound(domain.EntityVisit, userID)
	})
	svc := newTestService(t, WithVisitResolver(resolver))
	f := newStockFixture(t, svc, 100, 10)

	dist, _, err := svc.CreateDistributionForUser(ctx, "field-worker", CreateDistributionInput{AidID: f.aid.ID, Quantity: 2})
	if err != nil {
		t.Fatalf("create for user: %v", err)
	}
	if dist.VisitID != f.visit.ID {
		t.Fatalf("expected resolved visit, got %s", dist.VisitID)
	}
	if _, _, err := svc.CreateDistributionForUser(ctx, "stranger", CreateDistributionInput{AidID: f.aid.ID, Quantity: 2}); !domain.IsCode(err, domain.CodeNoActiveVisit) {
		t.Fatalf("expected no active visit, got %v", err)
	}
	bare := newTestService(t)
	if _, _, err := bare.CreateDistributionForUser(ctx, "field-worker", CreateDistributionInput{AidID: f.aid.ID, Quantity: 2}); !domain.IsCode(err, domain.CodeNoActiveVisit) {
		t.Fatalf("expected no active visit without resolver, got %v", err)
	}
}

type visitResolverFunc func(ctx context.Context, userID string) (string, error)

func (f visitResolverFunc) CurrentTarget(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

func TestDistributionMarksCompletedVisitStale(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	f := newStockFixture(t, svc, 100, 50)
	done := mustVisit(t, svc, "done", true)
	if _, _, err := svc.EnsureVisitStats(ctx, done.ID); err != nil {
		t.Fatalf("ensure stats: %v", err)
	}
	if v, _ := svc.GetVisit(ctx, done.ID); !v.StatsComputed {
		t.Fatalf("expected computed stats")
	}

	dist, _, err := svc.CreateDistribution(ctx, CreateDistributionInput{VisitID: done.ID, AidID: f.aid.ID, Quantity: 3})
	if err != nil {
		t.Fatalf("late distribution: %v", err)
	}
	if v, _ := svc.GetVisit(ctx, done.ID); v.StatsComputed {
		t.Fatalf("create must mark completed visit stale")
	}

	for _, step := range []func() error{
		func() error {
			_, _, err := svc.UpdateDistribution(ctx, dist.ID, DistributionPatch{Quantity: intPtr(4)})
			return err
		},
		func() error {
			_, err := svc.ReverseDistribution(ctx, dist.ID)
			return err
		},
	} {
		if _, _, err := svc.EnsureVisitStats(ctx, done.ID); err != nil {
			t.Fatalf("ensure stats: %v", err)
		}
		if err := step(); err != nil {
			t.Fatalf("step: %v", err)
		}
		if v, _ := svc.GetVisit(ctx, done.ID); v.StatsComputed {
			t.Fatalf("update and reverse must mark completed visit stale")
		}
	}
}
