// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by aidstock.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records, errors and persistence buckets.
const (
	// EntityDeposit identifies a physical storage location.
	EntityDeposit EntityType = "deposit"
	// EntityAid identifies a stock-tracked aid item.
	EntityAid EntityType = "aid"
	// EntityDistribution identifies an aid distribution record.
	EntityDistribution EntityType = "distribution"
	// EntityVisit identifies a field visit.
	EntityVisit EntityType = "visit"
	// EntityStatsSnapshot identifies a deposit storage history row.
	EntityStatsSnapshot EntityType = "stats_snapshot"
)

// AidType classifies aid items for reporting.
type AidType string

// Supported aid types.
const (
	AidTypeFood      AidType = "FOOD"
	AidTypeMedicine  AidType = "MEDICINE"
	AidTypeFinancial AidType = "FINANCIAL"
	AidTypeSocial    AidType = "SOCIAL"
	AidTypeOther     AidType = "OTHER"
)

var validAidTypes = map[AidType]bool{
	AidTypeFood:      true,
	AidTypeMedicine:  true,
	AidTypeFinancial: true,
	AidTypeSocial:    true,
	AidTypeOther:     true,
}

// ParseAidType validates an aid type received from an outer layer.
func ParseAidType(s string) (AidType, error) {
	t := AidType(s)
	if !validAidTypes[t] {
		return "", fmt.Errorf("unknown aid type %q", s)
	}
	return t, nil
}

// HumidityLevel describes the ambient humidity a deposit maintains.
type HumidityLevel string

// Supported humidity levels.
const (
	HumidityLow    HumidityLevel = "LOW"
	HumidityMedium HumidityLevel = "MEDIUM"
	HumidityHigh   HumidityLevel = "HIGH"
)

// ParseHumidityLevel validates a humidity level received from an outer layer.
func ParseHumidityLevel(s string) (HumidityLevel, error) {
	switch h := HumidityLevel(s); h {
	case HumidityLow, HumidityMedium, HumidityHigh:
		return h, nil
	default:
		return "", fmt.Errorf("unknown humidity level %q", s)
	}
}

// DistributionStatus is the lifecycle state of a distribution record.
// Active distributions may be edited; Reversed is terminal.
type DistributionStatus string

// Distribution lifecycle states.
const (
	DistributionActive   DistributionStatus = "active"
	DistributionReversed DistributionStatus = "reversed"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Deposit is a storage location with finite capacity and environmental properties.
// Invariant: 0 <= CurrentQuantity <= Capacity.
type Deposit struct {
	Base
	Name            string        `json:"name"`
	Capacity        int           `json:"capacity"`
	CurrentQuantity int           `json:"current_quantity"`
	IsRefrigerated  bool          `json:"is_refrigerated"`
	HumidityLevel   HumidityLevel `json:"humidity_level"`
	MinTemperatureC *float64      `json:"min_temperature_c,omitempty"`
	MaxTemperatureC *float64      `json:"max_temperature_c,omitempty"`
}

// Aid is a stock-tracked item held in at most one deposit.
type Aid struct {
	Base
	Name                    string         `json:"name"`
	Type                    AidType        `json:"type"`
	Quantity                int            `json:"quantity"`
	DepositID               *string        `json:"deposit_id,omitempty"`
	RequiresRefrigeration   bool           `json:"requires_refrigeration"`
	RequiredHumidityLevel   *HumidityLevel `json:"required_humidity_level,omitempty"`
	RequiredMinTemperatureC *float64       `json:"required_min_temperature_c,omitempty"`
	RequiredMaxTemperatureC *float64       `json:"required_max_temperature_c,omitempty"`
	RemovedAt               *time.Time     `json:"removed_at,omitempty"`
}

// IsRemoved reports whether the aid was taken out of the catalog. Removed aids
// stay readable so past distributions keep resolving.
func (a Aid) IsRemoved() bool {
	return a.RemovedAt != nil
}

// Distribution records a quantity of an aid handed out during a visit.
// SourceDepositID is the deposit the stock was drawn from and is kept even if
// the aid later moves.
type Distribution struct {
	Base
	VisitID         string             `json:"visit_id"`
	AidID           string             `json:"aid_id"`
	SourceDepositID string             `json:"source_deposit_id"`
	Quantity        int                `json:"quantity"`
	Unit            *string            `json:"unit,omitempty"`
	Notes           *string            `json:"notes,omitempty"`
	Status          DistributionStatus `json:"status"`
	ReversedAt      *time.Time         `json:"reversed_at,omitempty"`
}

// IsActive reports whether the distribution still holds its stock effect.
func (d Distribution) IsActive() bool {
	return d.Status == DistributionActive
}

// Visit is the minimal view of a field visit the core needs: ownership and
// the cached aggregate stats flag.
type Visit struct {
	Base
	UserID        string `json:"user_id"`
	IsActive      bool   `json:"is_active"`
	IsCompleted   bool   `json:"is_completed"`
	StatsComputed bool   `json:"stats_computed"`
}

// VisitAidStat aggregates active distributions of one aid type for a completed visit.
type VisitAidStat struct {
	VisitID           string    `json:"visit_id"`
	AidType           AidType   `json:"aid_type"`
	TotalQuantity     int       `json:"total_quantity"`
	DistributionCount int       `json:"distribution_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// StatsSnapshot is an immutable point-in-time record of how much of one aid
// type a deposit held.
type StatsSnapshot struct {
	ID             string    `json:"id"`
	DepositID      string    `json:"deposit_id"`
	AidType        AidType   `json:"aid_type"`
	Capacity       int       `json:"capacity"`
	StoredQuantity int       `json:"stored_quantity"`
	CreatedAt      time.Time `json:"created_at"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured in the change set.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	// ActionReverse indicates a distribution was soft deleted.
	ActionReverse Action = "reverse"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity,omitempty"`
	EntityID string     `json:"entity_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
