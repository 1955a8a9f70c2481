package core

import (
	"aidstock/pkg/domain"
	"context"
	"fmt"
)

// CreateDistributionInput describes stock handed out during a visit.
type CreateDistributionInput struct {
	VisitID  string
	AidID    string
	Quantity int
	Unit     *string
	Notes    *string
}

// DistributionPatch lists the editable attributes of an active distribution.
// Nil fields are left unchanged.
type DistributionPatch struct {
	Quantity *int
	AidID    *string
	Unit     *string
	Notes    *string
}

// CreateDistribution draws quantity units of an aid from its deposit and
// records the distribution against the visit.
func (s *Service) CreateDistribution(ctx context.Context, in CreateDistributionInput) (domain.Distribution, domain.Result, error) {
	var created domain.Distribution
	res, err := s.run(ctx, "create_distribution", func(tx domain.Transaction, touch func(...string)) error {
		visit, err := tx.FindVisit(in.VisitID)
		if err != nil {
			return err
		}
		if !visit.IsActive && !visit.IsCompleted {
			return domain.NewError(domain.CodeNoActiveVisit, domain.EntityVisit, visit.ID, "visit is neither active nor completed")
		}
		aid, err := findLiveAid(tx, in.AidID)
		if err != nil {
			return err
		}
		if err := domain.ValidateQuantity(domain.EntityDistribution, "", in.Quantity); err != nil {
			return err
		}
		deposit, err := depositFor(tx, aid)
		if err != nil {
			return err
		}
		if err := domain.EnsureStockAvailability(aid, deposit, in.Quantity); err != nil {
			return err
		}
		if err := shiftStock(tx, aid.ID, deposit.ID, -in.Quantity); err != nil {
			return err
		}
		created, err = tx.CreateDistribution(domain.Distribution{
			VisitID:         visit.ID,
			AidID:           aid.ID,
			SourceDepositID: deposit.ID,
			Quantity:        in.Quantity,
			Unit:            in.Unit,
			Notes:           in.Notes,
			Status:          domain.DistributionActive,
		})
		if err != nil {
			return err
		}
		touch(deposit.ID)
		return markVisitStatsStale(tx, visit.ID)
	})
	return created, res, err
}

// CreateDistributionForUser resolves the user's current visit and creates the
// distribution against it.
func (s *Service) CreateDistributionForUser(ctx context.Context, userID string, in CreateDistributionInput) (domain.Distribution, domain.Result, error) {
	if s.visits == nil {
		return domain.Distribution{}, domain.Result{}, domain.NewError(domain.CodeNoActiveVisit, domain.EntityVisit, "", "no visit resolver configured")
	}
	visitID, err := s.visits.CurrentTarget(ctx, userID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return domain.Distribution{}, domain.Result{}, &domain.Error{
				Code:    domain.CodeNoActiveVisit,
				Op:      "create_distribution",
				Entity:  domain.EntityVisit,
				Message: fmt.Sprintf("user %s has no current visit", userID),
				Cause:   err,
			}
		}
		return domain.Distribution{}, domain.Result{}, err
	}
	if visitID == "" {
		return domain.Distribution{}, domain.Result{}, domain.NewError(domain.CodeNoActiveVisit, domain.EntityVisit, "", fmt.Sprintf("user %s has no current visit", userID))
	}
	in.VisitID = visitID
	return s.CreateDistribution(ctx, in)
}

// UpdateDistribution edits an active distribution. When the aid changes, the
// old quantity is returned to the old aid and its deposit before the new
// quantity is drawn from the target pair.
func (s *Service) UpdateDistribution(ctx context.Context, id string, patch DistributionPatch) (domain.Distribution, domain.Result, error) {
	var updated domain.Distribution
	res, err := s.run(ctx, "update_distribution", func(tx domain.Transaction, touch func(...string)) error {
		current, err := findActiveDistribution(tx, id)
		if err != nil {
			return err
		}
		quantity := current.Quantity
		if patch.Quantity != nil {
			quantity = *patch.Quantity
		}
		if err := domain.ValidateQuantity(domain.EntityDistribution, id, quantity); err != nil {
			return err
		}
		targetAidID := current.AidID
		if patch.AidID != nil && *patch.AidID != "" {
			targetAidID = *patch.AidID
		}

		targetAid, err := findLiveAid(tx, targetAidID)
		if err != nil {
			return err
		}
		target, err := depositFor(tx, targetAid)
		if err != nil {
			return err
		}

		if targetAidID == current.AidID {
			if diff := quantity - current.Quantity; diff > 0 {
				if err := domain.EnsureStockAvailability(targetAid, target, diff); err != nil {
					return err
				}
			}
			if err := shiftStock(tx, targetAid.ID, target.ID, current.Quantity-quantity); err != nil {
				return err
			}
			touch(target.ID)
		} else {
			oldAid, err := tx.FindAid(current.AidID)
			if err != nil {
				return err
			}
			oldDepositID, err := domain.EnsureHasDeposit(oldAid)
			if err != nil {
				return err
			}
			if err := shiftStock(tx, oldAid.ID, oldDepositID, current.Quantity); err != nil {
				return err
			}
			touch(oldDepositID)
			// The return may have landed in the target deposit; re-read both.
			if targetAid, err = tx.FindAid(targetAidID); err != nil {
				return err
			}
			if target, err = tx.FindDeposit(target.ID); err != nil {
				return err
			}
			if err := domain.EnsureStockAvailability(targetAid, target, quantity); err != nil {
				return err
			}
			if err := shiftStock(tx, targetAid.ID, target.ID, -quantity); err != nil {
				return err
			}
			touch(target.ID)
		}

		aidChanged := targetAidID != current.AidID
		updated, err = tx.UpdateDistribution(id, func(d *domain.Distribution) error {
			// Provenance only moves with the aid.
			if aidChanged {
				d.AidID = targetAid.ID
				d.SourceDepositID = target.ID
			}
			d.Quantity = quantity
			if patch.Unit != nil {
				d.Unit = patch.Unit
			}
			if patch.Notes != nil {
				d.Notes = patch.Notes
			}
			return nil
		})
		if err != nil {
			return err
		}
		return markVisitStatsStale(tx, current.VisitID)
	})
	return updated, res, err
}

// ReverseDistribution soft deletes an active distribution and returns its
// full quantity to the aid and the aid's deposit. A return that would overflow
// the deposit fails with CodeCapacityExceeded.
func (s *Service) ReverseDistribution(ctx context.Context, id string) (domain.Result, error) {
	return s.run(ctx, "reverse_distribution", func(tx domain.Transaction, touch func(...string)) error {
		current, err := findActiveDistribution(tx, id)
		if err != nil {
			return err
		}
		aid, err := tx.FindAid(current.AidID)
		if err != nil {
			return err
		}
		depositID, err := domain.EnsureHasDeposit(aid)
		if err != nil {
			return err
		}
		if err := shiftStock(tx, aid.ID, depositID, current.Quantity); err != nil {
			return err
		}
		reversedAt := s.clock.Now().UTC()
		if _, err := tx.UpdateDistribution(id, func(d *domain.Distribution) error {
			d.Status = domain.DistributionReversed
			d.ReversedAt = &reversedAt
			return nil
		}); err != nil {
			return err
		}
		touch(depositID)
		return markVisitStatsStale(tx, current.VisitID)
	})
}

// GetDistribution returns a distribution in any state.
func (s *Service) GetDistribution(ctx context.Context, id string) (domain.Distribution, error) {
	var out domain.Distribution
	err := s.read(ctx, "get_distribution", func(v domain.TransactionView) error {
		var err error
		out, err = v.FindDistribution(id)
		return err
	})
	return out, err
}

// ListVisitDistributions returns every distribution recorded for a visit.
func (s *Service) ListVisitDistributions(ctx context.Context, visitID string) ([]domain.Distribution, error) {
	var out []domain.Distribution
	err := s.read(ctx, "list_visit_distributions", func(v domain.TransactionView) error {
		var err error
		out, err = v.ListDistributionsByVisit(visitID)
		return err
	})
	return out, err
}

// findActiveDistribution treats reversed records as missing for writers.
func findActiveDistribution(tx domain.Transaction, id string) (domain.Distribution, error) {
	d, err := tx.FindDistribution(id)
	if err != nil {
		return domain.Distribution{}, err
	}
	if !d.IsActive() {
		return domain.Distribution{}, domain.NewError(domain.CodeNotFound, domain.EntityDistribution, id,
			fmt.Sprintf("distribution %s is already reversed", id))
	}
	return d, nil
}

// depositFor resolves the aid's deposit and checks the pair is compatible.
func depositFor(tx domain.TransactionView, aid domain.Aid) (domain.Deposit, error) {
	depositID, err := domain.EnsureHasDeposit(aid)
	if err != nil {
		return domain.Deposit{}, err
	}
	deposit, err := tx.FindDeposit(depositID)
	if err != nil {
		return domain.Deposit{}, err
	}
	if err := domain.ValidateCompatibility(aid, deposit); err != nil {
		return domain.Deposit{}, err
	}
	return deposit, nil
}
