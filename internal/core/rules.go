package core

import "aidstock/pkg/domain"

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *domain.RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewDepositCapacityRule())
	engine.Register(NewStorageCompatibilityRule())
	return engine
}

// changedIDs returns the ids of entity records touched by changes, in first
// seen order.
func changedIDs(changes []domain.Change, entity domain.EntityType) []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, ch := range changes {
		if ch.Entity != entity {
			continue
		}
		add(recordID(ch.After))
		add(recordID(ch.Before))
	}
	return ids
}

func recordID(v any) string {
	switch r := v.(type) {
	case domain.Deposit:
		return r.ID
	case *domain.Deposit:
		if r != nil {
			return r.ID
		}
	case domain.Aid:
		return r.ID
	case *domain.Aid:
		if r != nil {
			return r.ID
		}
	case domain.Distribution:
		return r.ID
	case *domain.Distribution:
		if r != nil {
			return r.ID
		}
	}
	return ""
}
