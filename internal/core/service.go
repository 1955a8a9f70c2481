package core

import (
	"aidstock/internal/infra/persistence/memory"
	"aidstock/pkg/domain"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const defaultMaxAttempts = 3

// Clock supplies timestamps for service operations.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Logger is the structured logging surface the service writes to.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AuditStatus describes the outcome recorded for an audited operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry captures one service operation outcome.
type AuditEntry struct {
	Operation string
	Status    AuditStatus
	Code      domain.ErrorCode
	Error     string
	Deposits  []string
	StartedAt time.Time
	Duration  time.Duration
}

// AuditRecorder receives an entry for every transactional operation.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation latency and outcome.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation error, if any.
type TraceSpan interface {
	End(err error)
}

// SnapshotNotifier is asked to refresh the stats history of deposits touched
// by a committed operation. Implementations must not block for long; failures
// are logged by the service and never returned to the caller.
type SnapshotNotifier interface {
	RequestRefresh(ctx context.Context, depositIDs ...string) error
}

// VisitResolver resolves the visit a user is currently working on.
type VisitResolver interface {
	CurrentTarget(ctx context.Context, userID string) (string, error)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type serviceOptions struct {
	clock       Clock
	logger      Logger
	audit       AuditRecorder
	metrics     MetricsRecorder
	tracer      Tracer
	notifier    SnapshotNotifier
	visits      VisitResolver
	maxAttempts int
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:       ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:      noopLogger{},
		audit:       noopAudit{},
		metrics:     noopMetrics{},
		tracer:      noopTracer{},
		maxAttempts: defaultMaxAttempts,
	}
}

// ServiceOption customizes a Service.
type ServiceOption func(*serviceOptions)

// WithClock overrides the time source used for reversal and audit timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(rec AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if rec != nil {
			o.audit = rec
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if rec != nil {
			o.metrics = rec
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithSnapshotNotifier sets the hook asked to refresh deposit stats history
// after commits.
func WithSnapshotNotifier(n SnapshotNotifier) ServiceOption {
	return func(o *serviceOptions) { o.notifier = n }
}

// WithVisitResolver sets the collaborator used by CreateDistributionForUser.
func WithVisitResolver(r VisitResolver) ServiceOption {
	return func(o *serviceOptions) { o.visits = r }
}

// WithMaxAttempts bounds how many times a unit of work is attempted when the
// store reports a serialization conflict.
func WithMaxAttempts(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// Service is the inventory consistency engine: every stock-affecting
// operation runs as one unit of work against the persistent store.
type Service struct {
	store       domain.PersistentStore
	engine      *domain.RulesEngine
	clock       Clock
	logger      Logger
	audit       AuditRecorder
	metrics     MetricsRecorder
	tracer      Tracer
	notifier    SnapshotNotifier
	visits      VisitResolver
	maxAttempts int
}

type engineProvider interface {
	RulesEngine() *domain.RulesEngine
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	var engine *domain.RulesEngine
	if p, ok := store.(engineProvider); ok {
		engine = p.RulesEngine()
	}
	return &Service{
		store:       store,
		engine:      engine,
		clock:       o.clock,
		logger:      o.logger,
		audit:       o.audit,
		metrics:     o.metrics,
		tracer:      o.tracer,
		notifier:    o.notifier,
		visits:      o.visits,
		maxAttempts: o.maxAttempts,
	}
}

// NewInMemoryService creates a service over an in-memory store. A nil engine
// selects the default rule set.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// RegisterRule adds a rule to the engine evaluated before every commit.
func (s *Service) RegisterRule(rule domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}
	if s.engine == nil {
		return fmt.Errorf("store %T does not expose a rules engine", s.store)
	}
	if !s.engine.RegisterUnique(rule) {
		return fmt.Errorf("rule %s already registered", rule.Name())
	}
	return nil
}

// unitOfWork is the body of one transactional operation. It reports the
// deposits whose stock or configuration it changed through touch.
type unitOfWork func(tx domain.Transaction, touch func(depositIDs ...string)) error

// run executes work inside a store transaction, retrying serialization
// conflicts up to maxAttempts times. After commit the touched deposits are
// handed to the snapshot notifier.
func (s *Service) run(ctx context.Context, op string, work unitOfWork) (domain.Result, error) {
	ctx, span := s.tracer.Start(ctx, op)
	started := s.clock.Now()
	begin := time.Now()

	var (
		touched []string
		res     domain.Result
		err     error
	)
	for attempt := 1; ; attempt++ {
		touched = touched[:0]
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return work(tx, func(ids ...string) { touched = append(touched, ids...) })
		})
		if err == nil || !domain.IsCode(err, domain.CodeTransactionConflict) || attempt >= s.maxAttempts {
			break
		}
		s.logger.Warn("retrying after transaction conflict", "operation", op, "attempt", attempt, "error", err)
	}
	err = domain.WithOp(op, err)
	elapsed := time.Since(begin)
	deposits := uniqueIDs(touched)

	s.metrics.Observe(ctx, op, err == nil, elapsed)
	span.End(err)
	entry := AuditEntry{Operation: op, Status: AuditStatusSuccess, Deposits: deposits, StartedAt: started, Duration: elapsed}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Code = domain.CodeOf(err)
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)

	if err != nil {
		s.logFailure(op, err)
		return res, err
	}
	for _, v := range res.Violations {
		s.logger.Warn("rule reported violation", "operation", op, "rule", v.Rule, "severity", v.Severity, "message", v.Message)
	}
	s.logger.Debug("core operation committed", "operation", op, "deposits", deposits)
	s.refresh(ctx, op, deposits)
	return res, nil
}

// logFailure keeps Error for faults; coded business rejections are expected
// traffic and go to Warn.
func (s *Service) logFailure(op string, err error) {
	code := domain.CodeOf(err)
	switch code {
	case "", domain.CodeInternal, domain.CodeTransactionTimeout, domain.CodeTransactionConflict:
		s.logger.Error("core operation failed", "operation", op, "code", code, "error", err)
	default:
		s.logger.Warn("core operation rejected", "operation", op, "code", code, "error", err)
	}
}

// read runs fn against a consistent read-only view with the same tracing and
// metrics as transactional operations.
func (s *Service) read(ctx context.Context, op string, fn func(domain.TransactionView) error) error {
	ctx, span := s.tracer.Start(ctx, op)
	begin := time.Now()
	err := domain.WithOp(op, s.store.View(ctx, fn))
	s.metrics.Observe(ctx, op, err == nil, time.Since(begin))
	span.End(err)
	if err != nil {
		s.logger.Debug("core read failed", "operation", op, "error", err)
	}
	return err
}

// refresh never fails the committed operation.
func (s *Service) refresh(ctx context.Context, op string, depositIDs []string) {
	if s.notifier == nil || len(depositIDs) == 0 {
		return
	}
	if err := s.notifier.RequestRefresh(context.WithoutCancel(ctx), depositIDs...); err != nil {
		s.logger.Warn("stats snapshot refresh failed", "operation", op, "deposits", depositIDs, "error", err)
	}
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// shiftStock moves delta units into (positive) or out of (negative) an aid
// and its deposit together. The deposit side goes through the ledger so the
// capacity bounds hold; the aid side may not go below zero.
func shiftStock(tx domain.Transaction, aidID, depositID string, delta int) error {
	if delta == 0 {
		return nil
	}
	if _, err := tx.UpdateDeposit(depositID, func(d *domain.Deposit) error {
		return domain.ApplyDelta(d, delta)
	}); err != nil {
		return err
	}
	_, err := tx.UpdateAid(aidID, func(a *domain.Aid) error {
		if a.Quantity+delta < 0 {
			return &domain.Error{
				Code:      domain.CodeInsufficientStock,
				Entity:    domain.EntityAid,
				EntityID:  a.ID,
				Message:   fmt.Sprintf("aid %q holds %d, requested %d", a.Name, a.Quantity, -delta),
				Requested: -delta,
				Available: a.Quantity,
			}
		}
		a.Quantity += delta
		return nil
	})
	return err
}

// markVisitStatsStale clears the cached stats flag of a completed visit.
func markVisitStatsStale(tx domain.Transaction, visitID string) error {
	visit, err := tx.FindVisit(visitID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil
		}
		return err
	}
	if !visit.IsCompleted || !visit.StatsComputed {
		return nil
	}
	_, err = tx.UpdateVisit(visitID, func(v *domain.Visit) error {
		v.StatsComputed = false
		return nil
	})
	return err
}

// IsRetryable reports whether err is a conflict the caller may retry unchanged.
func IsRetryable(err error) bool {
	return domain.IsCode(err, domain.CodeTransactionConflict)
}

// IsRuleViolation reports whether err came from a blocking rule.
func IsRuleViolation(err error) bool {
	var rv domain.RuleViolationError
	return errors.As(err, &rv)
}
