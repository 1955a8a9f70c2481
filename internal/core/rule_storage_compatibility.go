package core

import (
	"aidstock/pkg/domain"
	"context"
)

// NewStorageCompatibilityRule returns the rule blocking commits that leave an
// aid in a deposit that cannot store it. Changed aids and every aid of a
// changed deposit are checked.
func NewStorageCompatibilityRule() domain.Rule {
	return storageCompatibilityRule{}
}

type storageCompatibilityRule struct{}

func (storageCompatibilityRule) Name() string { return domain.RuleStorageCompatibility }

func (storageCompatibilityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	checked := make(map[string]struct{})
	res := domain.Result{}
	check := func(aid domain.Aid, deposit domain.Deposit) {
		if _, ok := checked[aid.ID]; ok {
			return
		}
		checked[aid.ID] = struct{}{}
		if err := domain.ValidateCompatibility(aid, deposit); err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     domain.RuleStorageCompatibility,
				Severity: domain.SeverityBlock,
				Message:  err.Error(),
				Entity:   domain.EntityAid,
				EntityID: aid.ID,
			})
		}
	}

	for _, id := range changedIDs(changes, domain.EntityAid) {
		aid, err := view.FindAid(id)
		if err != nil {
			return domain.Result{}, err
		}
		if aid.DepositID == nil {
			continue
		}
		deposit, err := view.FindDeposit(*aid.DepositID)
		if err != nil {
			return domain.Result{}, err
		}
		check(aid, deposit)
	}
	for _, id := range changedIDs(changes, domain.EntityDeposit) {
		deposit, err := view.FindDeposit(id)
		if err != nil {
			return domain.Result{}, err
		}
		aids, err := view.ListAidsByDeposit(id)
		if err != nil {
			return domain.Result{}, err
		}
		for _, aid := range aids {
			check(aid, deposit)
		}
	}
	return res, nil
}
