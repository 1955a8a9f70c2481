package core

import (
	"aidstock/pkg/domain"
	"context"
	"sync"
	"testing"
	"time"
)

func intPtr(v int) *int           { return &v }
func strPtr(v string) *string     { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func humidity(h domain.HumidityLevel) *domain.HumidityLevel { return &h }

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) add(entry string) {
	c.mu.Lock()
	c.calls = append(c.calls, entry)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.add("d:" + msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.add("i:" + msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.add("w:" + msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.add("e:" + msg) }

func (c *captureLogger) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call == entry {
			return true
		}
	}
	return false
}

type captureNotifier struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (c *captureNotifier) RequestRefresh(_ context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]string(nil), ids...))
	return c.err
}

func (c *captureNotifier) last() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	opts = append([]ServiceOption{WithClock(ClockFunc(func() time.Time { return fixedNow }))}, opts...)
	return NewInMemoryService(NewDefaultRulesEngine(), opts...)
}

func mustDeposit(t *testing.T, svc *Service, d domain.Deposit) domain.Deposit {
	t.Helper()
	if d.HumidityLevel == "" {
		d.HumidityLevel = domain.HumidityMedium
	}
	created, _, err := svc.CreateDeposit(context.Background(), d)
	if err != nil {
		t.Fatalf("create deposit %s: %v", d.Name, err)
	}
	return created
}

func mustAid(t *testing.T, svc *Service, a domain.Aid) domain.Aid {
	t.Helper()
	if a.Type == "" {
		a.Type = domain.AidTypeFood
	}
	created, _, err := svc.CreateAid(context.Background(), a)
	if err != nil {
		t.Fatalf("create aid %s: %v", a.Name, err)
	}
	return created
}

func mustVisit(t *testing.T, svc *Service, id string, completed bool) domain.Visit {
	t.Helper()
	v, _, err := svc.UpsertVisit(context.Background(), domain.Visit{Base: domain.Base{ID: id}, UserID: "user-1", IsActive: !completed, IsCompleted: completed})
	if err != nil {
		t.Fatalf("upsert visit %s: %v", id, err)
	}
	return v
}

func mustGetDeposit(t *testing.T, svc *Service, id string) domain.Deposit {
	t.Helper()
	d, err := svc.GetDeposit(context.Background(), id)
	if err != nil {
		t.Fatalf("get deposit %s: %v", id, err)
	}
	return d
}

func mustGetAid(t *testing.T, svc *Service, id string) domain.Aid {
	t.Helper()
	a, err := svc.GetAid(context.Background(), id)
	if err != nil {
		t.Fatalf("get aid %s: %v", id, err)
	}
	return a
}

// stockFixture is one deposit with one aid holding all of its stock and an
// active visit.
type stockFixture struct {
	deposit domain.Deposit
	aid     domain.Aid
	visit   domain.Visit
}

func newStockFixture(t *testing.T, svc *Service, capacity, quantity int) stockFixture {
	t.Helper()
	dep := mustDeposit(t, svc, domain.Deposit{Name: "Central", Capacity: capacity})
	aid := mustAid(t, svc, domain.Aid{Name: "Rice", Quantity: quantity, DepositID: &dep.ID})
	visit := mustVisit(t, svc, "visit-1", false)
	return stockFixture{deposit: mustGetDeposit(t, svc, dep.ID), aid: aid, visit: visit}
}

func assertStock(t *testing.T, svc *Service, aidID string, aidQty int, depositID string, depositQty int) {
	t.Helper()
	if got := mustGetAid(t, svc, aidID).Quantity; got != aidQty {
		t.Fatalf("aid %s quantity: want %d, got %d", aidID, aidQty, got)
	}
	if got := mustGetDeposit(t, svc, depositID).CurrentQuantity; got != depositQty {
		t.Fatalf("deposit %s quantity: want %d, got %d", depositID, depositQty, got)
	}
}
