// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"aidstock/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Deposit aliases domain.Deposit for in-memory persistence operations.
	Deposit = domain.Deposit
	// Aid aliases domain.Aid.
	Aid = domain.Aid
	// Distribution aliases domain.Distribution.
	Distribution = domain.Distribution
	// Visit aliases domain.Visit.
	Visit = domain.Visit
	// VisitAidStat aliases domain.VisitAidStat.
	VisitAidStat = domain.VisitAidStat
	// StatsSnapshot aliases domain.StatsSnapshot.
	StatsSnapshot = domain.StatsSnapshot
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	deposits      map[string]Deposit
	aids          map[string]Aid
	distributions map[string]Distribution
	visits        map[string]Visit
	visitStats    map[string][]VisitAidStat
}

// State captures a point-in-time clone of the store's transactional records.
// Stats history is not part of it; see ExportSnapshots.
type State struct {
	Deposits      map[string]Deposit        `json:"deposits"`
	Aids          map[string]Aid            `json:"aids"`
	Distributions map[string]Distribution   `json:"distributions"`
	Visits        map[string]Visit          `json:"visits"`
	VisitStats    map[string][]VisitAidStat `json:"visit_stats"`
}

func newMemoryState() memoryState {
	return memoryState{
		deposits:      make(map[string]Deposit),
		aids:          make(map[string]Aid),
		distributions: make(map[string]Distribution),
		visits:        make(map[string]Visit),
		visitStats:    make(map[string][]VisitAidStat),
	}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		deposits:      make(map[string]Deposit, len(s.deposits)),
		aids:          make(map[string]Aid, len(s.aids)),
		distributions: make(map[string]Distribution, len(s.distributions)),
		visits:        make(map[string]Visit, len(s.visits)),
		visitStats:    make(map[string][]VisitAidStat, len(s.visitStats)),
	}
	for k, v := range s.deposits {
		cloned.deposits[k] = cloneDeposit(v)
	}
	for k, v := range s.aids {
		cloned.aids[k] = cloneAid(v)
	}
	for k, v := range s.distributions {
		cloned.distributions[k] = cloneDistribution(v)
	}
	for k, v := range s.visits {
		cloned.visits[k] = v
	}
	for k, v := range s.visitStats {
		cloned.visitStats[k] = append([]VisitAidStat(nil), v...)
	}
	return cloned
}

func stateFromMemory(s memoryState) State {
	c := s.clone()
	return State{
		Deposits:      c.deposits,
		Aids:          c.aids,
		Distributions: c.distributions,
		Visits:        c.visits,
		VisitStats:    c.visitStats,
	}
}

func memoryFromState(s State) memoryState {
	state := newMemoryState()
	for k, v := range s.Deposits {
		state.deposits[k] = cloneDeposit(v)
	}
	for k, v := range s.Aids {
		state.aids[k] = cloneAid(v)
	}
	for k, v := range s.Distributions {
		if v.Status == "" {
			v.Status = domain.DistributionActive
		}
		state.distributions[k] = cloneDistribution(v)
	}
	for k, v := range s.Visits {
		state.visits[k] = v
	}
	for k, v := range s.VisitStats {
		state.visitStats[k] = append([]VisitAidStat(nil), v...)
	}
	return state
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneDeposit(d Deposit) Deposit {
	d.MinTemperatureC = cloneFloat(d.MinTemperatureC)
	d.MaxTemperatureC = cloneFloat(d.MaxTemperatureC)
	return d
}

func cloneAid(a Aid) Aid {
	a.DepositID = cloneString(a.DepositID)
	if a.RequiredHumidityLevel != nil {
		h := *a.RequiredHumidityLevel
		a.RequiredHumidityLevel = &h
	}
	a.RequiredMinTemperatureC = cloneFloat(a.RequiredMinTemperatureC)
	a.RequiredMaxTemperatureC = cloneFloat(a.RequiredMaxTemperatureC)
	if a.RemovedAt != nil {
		t := *a.RemovedAt
		a.RemovedAt = &t
	}
	return a
}

func cloneDistribution(d Distribution) Distribution {
	d.Unit = cloneString(d.Unit)
	d.Notes = cloneString(d.Notes)
	if d.ReversedAt != nil {
		t := *d.ReversedAt
		d.ReversedAt = &t
	}
	return d
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long RunInTransaction waits for the writer lock
// on top of any deadline carried by the caller's context.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithClock overrides the timestamp source used for created/updated fields.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// CommitHook receives the candidate state of a transaction after rules pass
// and before it becomes visible. A non-nil error aborts the commit.
type CommitHook func(ctx context.Context, state State) error

// WithCommitHook installs hook. It runs while the writer lock is held.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.commitHook = hook }
}

// Store provides an in-memory transactional store for the core domain.
// Writers are serialized by a single lock acquired with the caller's context,
// readers work on cloned state and never block writers for long.
type Store struct {
	writer      chan struct{}
	mu          sync.RWMutex
	state       memoryState
	history     []StatsSnapshot
	engine      *RulesEngine
	nowFn       func() time.Time
	lockTimeout time.Duration
	commitHook  CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		writer: make(chan struct{}, 1),
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateFromMemory(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryFromState(state)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	select {
	case s.writer <- struct{}{}:
		return func() { <-s.writer }, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.Error{
				Code:    domain.CodeTransactionTimeout,
				Op:      "memory.run_in_transaction",
				Message: "timed out waiting for transaction lock",
				Cause:   ctx.Err(),
			}
		}
		return nil, ctx.Err()
	}
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the live state only when fn succeeds and no rule blocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()

	s.mu.RLock()
	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.commitHook != nil {
		if err := s.commitHook(ctx, stateFromMemory(tx.state)); err != nil {
			return result, err
		}
	}

	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

// AppendSnapshots adds history rows. Rows are never mutated afterwards.
func (s *Store) AppendSnapshots(_ context.Context, snapshots []StatsSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	for _, snap := range snapshots {
		if snap.DepositID == "" {
			return domain.NewError(domain.CodeInvalidInput, domain.EntityStatsSnapshot, snap.ID, "snapshot requires a deposit id")
		}
		if snap.ID == "" {
			snap.ID = s.newID()
		}
		if snap.CreatedAt.IsZero() {
			snap.CreatedAt = now
		}
		s.history = append(s.history, snap)
	}
	return nil
}

// ListSnapshots returns up to limit history rows for a deposit, newest first.
// A non-positive limit returns every row.
func (s *Store) ListSnapshots(_ context.Context, depositID string, limit int) ([]StatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StatsSnapshot, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].DepositID == depositID {
			out = append(out, s.history[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExportSnapshots returns every recorded history row in insertion order.
func (s *Store) ExportSnapshots() []StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StatsSnapshot(nil), s.history...)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) FindDeposit(id string) (Deposit, error) {
	d, ok := v.state.deposits[id]
	if !ok {
		return Deposit{}, domain.NotFound(domain.EntityDeposit, id)
	}
	return cloneDeposit(d), nil
}

func (v transactionView) FindAid(id string) (Aid, error) {
	a, ok := v.state.aids[id]
	if !ok {
		return Aid{}, domain.NotFound(domain.EntityAid, id)
	}
	return cloneAid(a), nil
}

func (v transactionView) FindDistribution(id string) (Distribution, error) {
	d, ok := v.state.distributions[id]
	if !ok {
		return Distribution{}, domain.NotFound(domain.EntityDistribution, id)
	}
	return cloneDistribution(d), nil
}

func (v transactionView) FindVisit(id string) (Visit, error) {
	vis, ok := v.state.visits[id]
	if !ok {
		return Visit{}, domain.NotFound(domain.EntityVisit, id)
	}
	return vis, nil
}

// ListDeposits returns deposits ordered by name then id.
func (v transactionView) ListDeposits() ([]Deposit, error) {
	out := make([]Deposit, 0, len(v.state.deposits))
	for _, d := range v.state.deposits {
		out = append(out, cloneDeposit(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v transactionView) ListAidsByDeposit(depositID string) ([]Aid, error) {
	out := make([]Aid, 0)
	for _, a := range v.state.aids {
		if a.DepositID != nil && *a.DepositID == depositID {
			out = append(out, cloneAid(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListDistributionsByVisit returns active and reversed distributions of a visit in creation order.
func (v transactionView) ListDistributionsByVisit(visitID string) ([]Distribution, error) {
	return v.distributionsWhere(func(d Distribution) bool { return d.VisitID == visitID }), nil
}

// ListDistributionsByAid returns every distribution drawn from an aid in creation order.
func (v transactionView) ListDistributionsByAid(aidID string) ([]Distribution, error) {
	return v.distributionsWhere(func(d Distribution) bool { return d.AidID == aidID }), nil
}

func (v transactionView) distributionsWhere(keep func(Distribution) bool) []Distribution {
	out := make([]Distribution, 0)
	for _, d := range v.state.distributions {
		if keep(d) {
			out = append(out, cloneDistribution(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v transactionView) ListVisitsPendingStats() ([]Visit, error) {
	out := make([]Visit, 0)
	for _, vis := range v.state.visits {
		if vis.IsCompleted && !vis.StatsComputed {
			out = append(out, vis)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v transactionView) ListVisitAidStats(visitID string) ([]VisitAidStat, error) {
	return append([]VisitAidStat{}, v.state.visitStats[visitID]...), nil
}

func (tx *transaction) view() transactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// The single writer lock already isolates the transaction, so reads through
// tx need no per-row locking.

func (tx *transaction) FindDeposit(id string) (Deposit, error) { return tx.view().FindDeposit(id) }

func (tx *transaction) FindAid(id string) (Aid, error) { return tx.view().FindAid(id) }

func (tx *transaction) FindDistribution(id string) (Distribution, error) {
	return tx.view().FindDistribution(id)
}

func (tx *transaction) FindVisit(id string) (Visit, error) { return tx.view().FindVisit(id) }

func (tx *transaction) ListDeposits() ([]Deposit, error) { return tx.view().ListDeposits() }

func (tx *transaction) ListAidsByDeposit(depositID string) ([]Aid, error) {
	return tx.view().ListAidsByDeposit(depositID)
}

func (tx *transaction) ListDistributionsByVisit(visitID string) ([]Distribution, error) {
	return tx.view().ListDistributionsByVisit(visitID)
}

func (tx *transaction) ListDistributionsByAid(aidID string) ([]Distribution, error) {
	return tx.view().ListDistributionsByAid(aidID)
}

func (tx *transaction) ListVisitsPendingStats() ([]Visit, error) {
	return tx.view().ListVisitsPendingStats()
}

func (tx *transaction) ListVisitAidStats(visitID string) ([]VisitAidStat, error) {
	return tx.view().ListVisitAidStats(visitID)
}

// CreateDeposit stores a new deposit within the transaction.
func (tx *transaction) CreateDeposit(d Deposit) (Deposit, error) {
	if d.ID == "" {
		d.ID = tx.store.newID()
	}
	if _, exists := tx.state.deposits[d.ID]; exists {
		return Deposit{}, fmt.Errorf("deposit %q already exists", d.ID)
	}
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.deposits[d.ID] = cloneDeposit(d)
	tx.recordChange(Change{Entity: domain.EntityDeposit, Action: domain.ActionCreate, After: cloneDeposit(d)})
	return cloneDeposit(d), nil
}

// UpdateDeposit mutates a deposit using the provided mutator function.
func (tx *transaction) UpdateDeposit(id string, mutator func(*Deposit) error) (Deposit, error) {
	current, ok := tx.state.deposits[id]
	if !ok {
		return Deposit{}, domain.NotFound(domain.EntityDeposit, id)
	}
	before := cloneDeposit(current)
	if err := mutator(&current); err != nil {
		return Deposit{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.deposits[id] = cloneDeposit(current)
	tx.recordChange(Change{Entity: domain.EntityDeposit, Action: domain.ActionUpdate, Before: before, After: cloneDeposit(current)})
	return cloneDeposit(current), nil
}

// CreateAid stores a new aid item.
func (tx *transaction) CreateAid(a Aid) (Aid, error) {
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.aids[a.ID]; exists {
		return Aid{}, fmt.Errorf("aid %q already exists", a.ID)
	}
	if a.DepositID != nil {
		if _, ok := tx.state.deposits[*a.DepositID]; !ok {
			return Aid{}, domain.NotFound(domain.EntityDeposit, *a.DepositID)
		}
	}
	a.CreatedAt = tx.now
	a.UpdatedAt = tx.now
	tx.state.aids[a.ID] = cloneAid(a)
	tx.recordChange(Change{Entity: domain.EntityAid, Action: domain.ActionCreate, After: cloneAid(a)})
	return cloneAid(a), nil
}

// UpdateAid mutates an aid item using the provided mutator function.
func (tx *transaction) UpdateAid(id string, mutator func(*Aid) error) (Aid, error) {
	current, ok := tx.state.aids[id]
	if !ok {
		return Aid{}, domain.NotFound(domain.EntityAid, id)
	}
	before := cloneAid(current)
	if err := mutator(&current); err != nil {
		return Aid{}, err
	}
	if current.DepositID != nil {
		if _, ok := tx.state.deposits[*current.DepositID]; !ok {
			return Aid{}, domain.NotFound(domain.EntityDeposit, *current.DepositID)
		}
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.aids[id] = cloneAid(current)
	tx.recordChange(Change{Entity: domain.EntityAid, Action: domain.ActionUpdate, Before: before, After: cloneAid(current)})
	return cloneAid(current), nil
}

// CreateDistribution stores a new active distribution.
func (tx *transaction) CreateDistribution(d Distribution) (Distribution, error) {
	if d.ID == "" {
		d.ID = tx.store.newID()
	}
	if _, exists := tx.state.distributions[d.ID]; exists {
		return Distribution{}, fmt.Errorf("distribution %q already exists", d.ID)
	}
	if _, ok := tx.state.aids[d.AidID]; !ok {
		return Distribution{}, domain.NotFound(domain.EntityAid, d.AidID)
	}
	if _, ok := tx.state.deposits[d.SourceDepositID]; !ok {
		return Distribution{}, domain.NotFound(domain.EntityDeposit, d.SourceDepositID)
	}
	if d.Status == "" {
		d.Status = domain.DistributionActive
	}
	d.CreatedAt = tx.now
	d.UpdatedAt = tx.now
	tx.state.distributions[d.ID] = cloneDistribution(d)
	tx.recordChange(Change{Entity: domain.EntityDistribution, Action: domain.ActionCreate, After: cloneDistribution(d)})
	return cloneDistribution(d), nil
}

// UpdateDistribution mutates a distribution. A transition to reversed is
// recorded as a reverse change.
func (tx *transaction) UpdateDistribution(id string, mutator func(*Distribution) error) (Distribution, error) {
	current, ok := tx.state.distributions[id]
	if !ok {
		return Distribution{}, domain.NotFound(domain.EntityDistribution, id)
	}
	before := cloneDistribution(current)
	if err := mutator(&current); err != nil {
		return Distribution{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	action := domain.ActionUpdate
	if before.IsActive() && !current.IsActive() {
		action = domain.ActionReverse
	}
	tx.state.distributions[id] = cloneDistribution(current)
	tx.recordChange(Change{Entity: domain.EntityDistribution, Action: action, Before: before, After: cloneDistribution(current)})
	return cloneDistribution(current), nil
}

// UpsertVisit creates the visit or replaces its attributes, keeping the
// original creation time.
func (tx *transaction) UpsertVisit(v Visit) (Visit, error) {
	if v.ID == "" {
		return Visit{}, domain.NewError(domain.CodeInvalidInput, domain.EntityVisit, "", "visit id is required")
	}
	existing, ok := tx.state.visits[v.ID]
	v.UpdatedAt = tx.now
	if ok {
		v.CreatedAt = existing.CreatedAt
		tx.state.visits[v.ID] = v
		tx.recordChange(Change{Entity: domain.EntityVisit, Action: domain.ActionUpdate, Before: existing, After: v})
		return v, nil
	}
	v.CreatedAt = tx.now
	tx.state.visits[v.ID] = v
	tx.recordChange(Change{Entity: domain.EntityVisit, Action: domain.ActionCreate, After: v})
	return v, nil
}

// UpdateVisit mutates a visit using the provided mutator function.
func (tx *transaction) UpdateVisit(id string, mutator func(*Visit) error) (Visit, error) {
	current, ok := tx.state.visits[id]
	if !ok {
		return Visit{}, domain.NotFound(domain.EntityVisit, id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return Visit{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.visits[id] = current
	tx.recordChange(Change{Entity: domain.EntityVisit, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// ReplaceVisitAidStats swaps the aggregate rows of a visit.
func (tx *transaction) ReplaceVisitAidStats(visitID string, stats []VisitAidStat) error {
	if _, ok := tx.state.visits[visitID]; !ok {
		return domain.NotFound(domain.EntityVisit, visitID)
	}
	rows := make([]VisitAidStat, 0, len(stats))
	for _, st := range stats {
		st.VisitID = visitID
		if st.CreatedAt.IsZero() {
			st.CreatedAt = tx.now
		}
		rows = append(rows, st)
	}
	tx.state.visitStats[visitID] = rows
	return nil
}
