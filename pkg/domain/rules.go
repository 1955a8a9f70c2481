package domain

import (
	"context"
	"sync"
)

// Names of the built-in rules.
const (
	RuleDepositCapacity      = "deposit_capacity"
	RuleStorageCompatibility = "storage_compatibility"
	// RuleDepositNegativeStock names violations of the capacity rule where
	// the deposit dropped below zero rather than above capacity.
	RuleDepositNegativeStock = "deposit_negative_stock"
)

// Rule defines an evaluation executed within a transaction boundary.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation. Rules may be registered while
// transactions are evaluating.
type RulesEngine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// RegisterUnique appends rule unless one with the same name exists and
// reports whether it was added.
func (e *RulesEngine) RegisterUnique(rule Rule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.Name() == rule.Name() {
			return false
		}
	}
	e.rules = append(e.rules, rule)
	return true
}

// Rules returns the registered rules in evaluation order.
func (e *RulesEngine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.Rules() {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
