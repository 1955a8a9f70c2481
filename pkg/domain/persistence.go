package domain

import "context"

// TransactionView provides read-only access to state for rules and reads.
// Lookups return a NotFound *Error for missing records.
type TransactionView interface {
	FindDeposit(id string) (Deposit, error)
	FindAid(id string) (Aid, error)
	FindDistribution(id string) (Distribution, error)
	FindVisit(id string) (Visit, error)
	ListDeposits() ([]Deposit, error)
	ListAidsByDeposit(depositID string) ([]Aid, error)
	ListDistributionsByVisit(visitID string) ([]Distribution, error)
	ListDistributionsByAid(aidID string) ([]Distribution, error)
	ListVisitsPendingStats() ([]Visit, error)
	ListVisitAidStats(visitID string) ([]VisitAidStat, error)
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Reads made through a Transaction lock
// the returned rows until commit or rollback.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	CreateDeposit(Deposit) (Deposit, error)
	UpdateDeposit(id string, mutator func(*Deposit) error) (Deposit, error)
	CreateAid(Aid) (Aid, error)
	UpdateAid(id string, mutator func(*Aid) error) (Aid, error)
	CreateDistribution(Distribution) (Distribution, error)
	UpdateDistribution(id string, mutator func(*Distribution) error) (Distribution, error)
	UpsertVisit(Visit) (Visit, error)
	UpdateVisit(id string, mutator func(*Visit) error) (Visit, error)
	ReplaceVisitAidStats(visitID string, stats []VisitAidStat) error
}

// PersistentStore is a minimal abstraction over durable backends.
//
// RunInTransaction executes fn as one all-or-nothing unit: any error returned
// by fn, or a blocking rule result, discards every mutation. Stores return a
// CodeTransactionTimeout *Error when the lock cannot be acquired before ctx
// ends and CodeTransactionConflict when the backend aborts on serialization.
//
// Stats snapshots live outside transactions: they are appended after commit
// and never mutated.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	AppendSnapshots(ctx context.Context, snapshots []StatsSnapshot) error
	ListSnapshots(ctx context.Context, depositID string, limit int) ([]StatsSnapshot, error)
	Close() error
}
