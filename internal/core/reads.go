package core

import (
	"aidstock/pkg/domain"
	"context"
)

// DefaultHistoryLimit bounds GetDepositHistory when the caller passes no limit.
const DefaultHistoryLimit = 30

// DepositUtilization summarizes how full a deposit is.
type DepositUtilization struct {
	DepositID       string  `json:"deposit_id"`
	Name            string  `json:"name"`
	Capacity        int     `json:"capacity"`
	CurrentQuantity int     `json:"current_quantity"`
	UtilizationRate float64 `json:"utilization_rate"`
}

func utilizationOf(d domain.Deposit) DepositUtilization {
	return DepositUtilization{
		DepositID:       d.ID,
		Name:            d.Name,
		Capacity:        d.Capacity,
		CurrentQuantity: d.CurrentQuantity,
		UtilizationRate: domain.Utilization(d),
	}
}

// GetDepositUtilization reports capacity, stock and the rounded utilization rate.
func (s *Service) GetDepositUtilization(ctx context.Context, depositID string) (DepositUtilization, error) {
	var out DepositUtilization
	err := s.read(ctx, "get_deposit_utilization", func(v domain.TransactionView) error {
		d, err := v.FindDeposit(depositID)
		if err != nil {
			return err
		}
		out = utilizationOf(d)
		return nil
	})
	return out, err
}

// ListDepositUtilization reports utilization for every deposit.
func (s *Service) ListDepositUtilization(ctx context.Context) ([]DepositUtilization, error) {
	var out []DepositUtilization
	err := s.read(ctx, "list_deposit_utilization", func(v domain.TransactionView) error {
		deposits, err := v.ListDeposits()
		if err != nil {
			return err
		}
		out = make([]DepositUtilization, 0, len(deposits))
		for _, d := range deposits {
			out = append(out, utilizationOf(d))
		}
		return nil
	})
	return out, err
}

// GetDepositHistory returns the newest limit stats snapshots of a deposit.
// A non-positive limit selects DefaultHistoryLimit.
func (s *Service) GetDepositHistory(ctx context.Context, depositID string, limit int) ([]domain.StatsSnapshot, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []domain.StatsSnapshot
	err := s.read(ctx, "get_deposit_history", func(v domain.TransactionView) error {
		_, err := v.FindDeposit(depositID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out, err = s.store.ListSnapshots(ctx, depositID, limit)
	if err != nil {
		return nil, domain.WithOp("get_deposit_history", err)
	}
	return out, nil
}
