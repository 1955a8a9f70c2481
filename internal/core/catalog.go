package core

import (
	"aidstock/pkg/domain"
	"context"
	"fmt"
)

// DepositPatch lists the editable attributes of a deposit. Stock is not
// editable here; it only moves through aid and distribution operations.
type DepositPatch struct {
	Name            *string
	Capacity        *int
	IsRefrigerated  *bool
	HumidityLevel   *domain.HumidityLevel
	MinTemperatureC *float64
	MaxTemperatureC *float64
}

// AidPatch lists the editable attributes of an aid item. An empty DepositID
// detaches the aid, which requires its quantity to drop to zero.
type AidPatch struct {
	Name                    *string
	Type                    *domain.AidType
	Quantity                *int
	DepositID               *string
	RequiresRefrigeration   *bool
	RequiredHumidityLevel   *domain.HumidityLevel
	RequiredMinTemperatureC *float64
	RequiredMaxTemperatureC *float64
}

// CreateDeposit validates and stores a new deposit.
func (s *Service) CreateDeposit(ctx context.Context, deposit domain.Deposit) (domain.Deposit, domain.Result, error) {
	var created domain.Deposit
	res, err := s.run(ctx, "create_deposit", func(tx domain.Transaction, touch func(...string)) error {
		if deposit.HumidityLevel == "" {
			deposit.HumidityLevel = domain.HumidityMedium
		}
		if err := domain.ValidateDeposit(deposit); err != nil {
			return err
		}
		var err error
		created, err = tx.CreateDeposit(deposit)
		if err != nil {
			return err
		}
		touch(created.ID)
		return nil
	})
	return created, res, err
}

// UpdateDeposit changes deposit configuration. Lowering capacity below the
// stored quantity fails with CodeCapacityExceeded and environmental changes
// must stay compatible with every aid the deposit holds.
func (s *Service) UpdateDeposit(ctx context.Context, id string, patch DepositPatch) (domain.Deposit, domain.Result, error) {
	var updated domain.Deposit
	res, err := s.run(ctx, "update_deposit", func(tx domain.Transaction, touch func(...string)) error {
		var err error
		updated, err = tx.UpdateDeposit(id, func(d *domain.Deposit) error {
			applyDepositPatch(d, patch)
			return domain.ValidateDeposit(*d)
		})
		if err != nil {
			return err
		}
		aids, err := tx.ListAidsByDeposit(id)
		if err != nil {
			return err
		}
		for _, aid := range aids {
			if err := domain.ValidateCompatibility(aid, updated); err != nil {
				return err
			}
		}
		touch(id)
		return nil
	})
	return updated, res, err
}

func applyDepositPatch(d *domain.Deposit, p DepositPatch) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Capacity != nil {
		d.Capacity = *p.Capacity
	}
	if p.IsRefrigerated != nil {
		d.IsRefrigerated = *p.IsRefrigerated
	}
	if p.HumidityLevel != nil {
		d.HumidityLevel = *p.HumidityLevel
	}
	if p.MinTemperatureC != nil {
		v := *p.MinTemperatureC
		d.MinTemperatureC = &v
	}
	if p.MaxTemperatureC != nil {
		v := *p.MaxTemperatureC
		d.MaxTemperatureC = &v
	}
}

// CreateAid stores an aid item. Its initial quantity enters the deposit
// through the ledger, so the deposit must have room and be compatible.
func (s *Service) CreateAid(ctx context.Context, aid domain.Aid) (domain.Aid, domain.Result, error) {
	var created domain.Aid
	res, err := s.run(ctx, "create_aid", func(tx domain.Transaction, touch func(...string)) error {
		if err := validateAidAttributes(aid); err != nil {
			return err
		}
		if aid.DepositID != nil && *aid.DepositID == "" {
			aid.DepositID = nil
		}
		if aid.DepositID == nil {
			if aid.Quantity > 0 {
				_, err := domain.EnsureHasDeposit(aid)
				return err
			}
		} else {
			deposit, err := depositFor(tx, aid)
			if err != nil {
				return err
			}
			if _, err := tx.UpdateDeposit(deposit.ID, func(d *domain.Deposit) error {
				return domain.ApplyDelta(d, aid.Quantity)
			}); err != nil {
				return err
			}
			touch(deposit.ID)
		}
		var err error
		created, err = tx.CreateAid(aid)
		return err
	})
	return created, res, err
}

// UpdateAid edits an aid item. Within one deposit only the quantity
// difference is applied to the deposit; moving the aid returns its full old
// quantity to the old deposit before the new quantity enters the new one.
func (s *Service) UpdateAid(ctx context.Context, id string, patch AidPatch) (domain.Aid, domain.Result, error) {
	var updated domain.Aid
	res, err := s.run(ctx, "update_aid", func(tx domain.Transaction, touch func(...string)) error {
		current, err := findLiveAid(tx, id)
		if err != nil {
			return err
		}
		next := applyAidPatch(current, patch)
		if err := validateAidAttributes(next); err != nil {
			return err
		}

		oldDeposit := depositIDOf(current)
		newDeposit := depositIDOf(next)
		if newDeposit == "" && next.Quantity > 0 {
			_, err := domain.EnsureHasDeposit(next)
			return err
		}

		if oldDeposit == newDeposit {
			if newDeposit != "" {
				if err := adjustDeposit(tx, newDeposit, next.Quantity-current.Quantity); err != nil {
					return err
				}
				touch(newDeposit)
			}
		} else {
			if oldDeposit != "" {
				if err := adjustDeposit(tx, oldDeposit, -current.Quantity); err != nil {
					return err
				}
				touch(oldDeposit)
			}
			if newDeposit != "" {
				if err := adjustDeposit(tx, newDeposit, next.Quantity); err != nil {
					return err
				}
				touch(newDeposit)
			}
		}
		if newDeposit != "" {
			if _, err := depositFor(tx, next); err != nil {
				return err
			}
		}

		updated, err = tx.UpdateAid(id, func(a *domain.Aid) error {
			*a = next
			return nil
		})
		return err
	})
	return updated, res, err
}

// DeleteAid takes an aid out of the catalog. Its stored quantity leaves the
// deposit through the ledger and the record is kept, marked removed, so past
// distributions still resolve. An aid with active distributions is rejected
// with CodeAidInUse; reverse those first.
func (s *Service) DeleteAid(ctx context.Context, id string) (domain.Result, error) {
	return s.run(ctx, "delete_aid", func(tx domain.Transaction, touch func(...string)) error {
		current, err := findLiveAid(tx, id)
		if err != nil {
			return err
		}
		distributions, err := tx.ListDistributionsByAid(id)
		if err != nil {
			return err
		}
		active := 0
		for _, d := range distributions {
			if d.IsActive() {
				active++
			}
		}
		if active > 0 {
			return domain.NewError(domain.CodeAidInUse, domain.EntityAid, id,
				fmt.Sprintf("aid has %d active distributions", active))
		}
		if depositID := depositIDOf(current); depositID != "" {
			if err := adjustDeposit(tx, depositID, -current.Quantity); err != nil {
				return err
			}
			touch(depositID)
		}
		removedAt := s.clock.Now().UTC()
		_, err = tx.UpdateAid(id, func(a *domain.Aid) error {
			a.Quantity = 0
			a.DepositID = nil
			a.RemovedAt = &removedAt
			return nil
		})
		return err
	})
}

// findLiveAid is FindAid for writers: a removed aid reads as missing.
func findLiveAid(tx domain.TransactionView, id string) (domain.Aid, error) {
	aid, err := tx.FindAid(id)
	if err != nil {
		return domain.Aid{}, err
	}
	if aid.IsRemoved() {
		return domain.Aid{}, domain.NewError(domain.CodeNotFound, domain.EntityAid, id, "aid was removed")
	}
	return aid, nil
}

func adjustDeposit(tx domain.Transaction, depositID string, delta int) error {
	if delta == 0 {
		_, err := tx.FindDeposit(depositID)
		return err
	}
	_, err := tx.UpdateDeposit(depositID, func(d *domain.Deposit) error {
		return domain.ApplyDelta(d, delta)
	})
	return err
}

func applyAidPatch(a domain.Aid, p AidPatch) domain.Aid {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Quantity != nil {
		a.Quantity = *p.Quantity
	}
	if p.DepositID != nil {
		if *p.DepositID == "" {
			a.DepositID = nil
		} else {
			v := *p.DepositID
			a.DepositID = &v
		}
	}
	if p.RequiresRefrigeration != nil {
		a.RequiresRefrigeration = *p.RequiresRefrigeration
	}
	if p.RequiredHumidityLevel != nil {
		v := *p.RequiredHumidityLevel
		a.RequiredHumidityLevel = &v
	}
	if p.RequiredMinTemperatureC != nil {
		v := *p.RequiredMinTemperatureC
		a.RequiredMinTemperatureC = &v
	}
	if p.RequiredMaxTemperatureC != nil {
		v := *p.RequiredMaxTemperatureC
		a.RequiredMaxTemperatureC = &v
	}
	return a
}

func validateAidAttributes(a domain.Aid) error {
	if _, err := domain.ParseAidType(string(a.Type)); err != nil {
		return &domain.Error{Code: domain.CodeInvalidInput, Entity: domain.EntityAid, EntityID: a.ID, Message: err.Error()}
	}
	if a.Quantity < 0 {
		return &domain.Error{
			Code:      domain.CodeInvalidQuantity,
			Entity:    domain.EntityAid,
			EntityID:  a.ID,
			Message:   fmt.Sprintf("aid quantity cannot be negative, got %d", a.Quantity),
			Requested: a.Quantity,
		}
	}
	if a.RequiredMinTemperatureC != nil && a.RequiredMaxTemperatureC != nil && *a.RequiredMinTemperatureC > *a.RequiredMaxTemperatureC {
		return &domain.Error{
			Code:     domain.CodeInvalidRange,
			Entity:   domain.EntityAid,
			EntityID: a.ID,
			Message:  fmt.Sprintf("required minimum temperature %.2f exceeds maximum %.2f", *a.RequiredMinTemperatureC, *a.RequiredMaxTemperatureC),
		}
	}
	return nil
}

func depositIDOf(a domain.Aid) string {
	if a.DepositID == nil {
		return ""
	}
	return *a.DepositID
}

// GetDeposit returns one deposit.
func (s *Service) GetDeposit(ctx context.Context, id string) (domain.Deposit, error) {
	var out domain.Deposit
	err := s.read(ctx, "get_deposit", func(v domain.TransactionView) error {
		var err error
		out, err = v.FindDeposit(id)
		return err
	})
	return out, err
}

// GetAid returns one aid item, including removed ones.
func (s *Service) GetAid(ctx context.Context, id string) (domain.Aid, error) {
	var out domain.Aid
	err := s.read(ctx, "get_aid", func(v domain.TransactionView) error {
		var err error
		out, err = v.FindAid(id)
		return err
	})
	return out, err
}

// ListDepositAids returns the aids a deposit holds.
func (s *Service) ListDepositAids(ctx context.Context, depositID string) ([]domain.Aid, error) {
	var out []domain.Aid
	err := s.read(ctx, "list_deposit_aids", func(v domain.TransactionView) error {
		if _, err := v.FindDeposit(depositID); err != nil {
			return err
		}
		var err error
		out, err = v.ListAidsByDeposit(depositID)
		return err
	})
	return out, err
}
