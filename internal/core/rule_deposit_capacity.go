package core

import (
	"aidstock/pkg/domain"
	"context"
	"fmt"
)

// NewDepositCapacityRule returns the default in-transaction rule keeping every
// changed deposit within [0, capacity].
func NewDepositCapacityRule() domain.Rule {
	return depositCapacityRule{}
}

type depositCapacityRule struct{}

func (depositCapacityRule) Name() string { return domain.RuleDepositCapacity }

func (depositCapacityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range changedIDs(changes, domain.EntityDeposit) {
		deposit, err := view.FindDeposit(id)
		if err != nil {
			return domain.Result{}, err
		}
		if deposit.CurrentQuantity >= 0 && deposit.CurrentQuantity <= deposit.Capacity {
			continue
		}
		rule := domain.RuleDepositCapacity
		if deposit.CurrentQuantity < 0 {
			rule = domain.RuleDepositNegativeStock
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     rule,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("deposit %s (%s) holds %d of capacity %d", deposit.Name, deposit.ID, deposit.CurrentQuantity, deposit.Capacity),
			Entity:   domain.EntityDeposit,
			EntityID: deposit.ID,
		})
	}
	return res, nil
}
