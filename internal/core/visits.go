package core

import (
	"aidstock/pkg/domain"
	"context"
	"errors"
	"sort"
)

// UpsertVisit registers or refreshes a visit owned by the surrounding visit
// layer. Completing a visit, or changing anything on a completed one, marks
// its aggregate stats stale.
func (s *Service) UpsertVisit(ctx context.Context, visit domain.Visit) (domain.Visit, domain.Result, error) {
	var stored domain.Visit
	res, err := s.run(ctx, "upsert_visit", func(tx domain.Transaction, _ func(...string)) error {
		if visit.ID == "" {
			return domain.NewError(domain.CodeInvalidInput, domain.EntityVisit, "", "visit id is required")
		}
		visit.StatsComputed = false
		existing, err := tx.FindVisit(visit.ID)
		switch {
		case err == nil:
			if existing.IsCompleted && visit.IsCompleted && existing.UserID == visit.UserID && existing.IsActive == visit.IsActive {
				visit.StatsComputed = existing.StatsComputed
			}
		case !domain.IsCode(err, domain.CodeNotFound):
			return err
		}
		stored, err = tx.UpsertVisit(visit)
		return err
	})
	return stored, res, err
}

// GetVisit returns one visit.
func (s *Service) GetVisit(ctx context.Context, id string) (domain.Visit, error) {
	var out domain.Visit
	err := s.read(ctx, "get_visit", func(v domain.TransactionView) error {
		var err error
		out, err = v.FindVisit(id)
		return err
	})
	return out, err
}

// EnsureVisitStats returns the per aid type totals of a completed visit,
// computing them first when the cached rows are stale.
func (s *Service) EnsureVisitStats(ctx context.Context, visitID string) ([]domain.VisitAidStat, domain.Result, error) {
	return s.visitStats(ctx, "ensure_visit_stats", visitID, false)
}

// RecomputeVisitStats rebuilds the totals of a completed visit regardless of
// the cached flag.
func (s *Service) RecomputeVisitStats(ctx context.Context, visitID string) ([]domain.VisitAidStat, domain.Result, error) {
	return s.visitStats(ctx, "recompute_visit_stats", visitID, true)
}

func (s *Service) visitStats(ctx context.Context, op, visitID string, force bool) ([]domain.VisitAidStat, domain.Result, error) {
	var stats []domain.VisitAidStat
	res, err := s.run(ctx, op, func(tx domain.Transaction, _ func(...string)) error {
		visit, err := tx.FindVisit(visitID)
		if err != nil {
			return err
		}
		if !visit.IsCompleted {
			return domain.NewError(domain.CodeInvalidInput, domain.EntityVisit, visitID, "visit stats are only kept for completed visits")
		}
		if visit.StatsComputed && !force {
			stats, err = tx.ListVisitAidStats(visitID)
			return err
		}
		stats, err = aggregateVisit(tx, visitID)
		if err != nil {
			return err
		}
		if err := tx.ReplaceVisitAidStats(visitID, stats); err != nil {
			return err
		}
		_, err = tx.UpdateVisit(visitID, func(v *domain.Visit) error {
			v.StatsComputed = true
			return nil
		})
		return err
	})
	return stats, res, err
}

// aggregateVisit totals the active distributions of a visit per aid type.
func aggregateVisit(tx domain.TransactionView, visitID string) ([]domain.VisitAidStat, error) {
	distributions, err := tx.ListDistributionsByVisit(visitID)
	if err != nil {
		return nil, err
	}
	byType := make(map[domain.AidType]*domain.VisitAidStat)
	for _, d := range distributions {
		if !d.IsActive() {
			continue
		}
		aid, err := tx.FindAid(d.AidID)
		if err != nil {
			return nil, err
		}
		st, ok := byType[aid.Type]
		if !ok {
			st = &domain.VisitAidStat{VisitID: visitID, AidType: aid.Type}
			byType[aid.Type] = st
		}
		st.TotalQuantity += d.Quantity
		st.DistributionCount++
	}
	out := make([]domain.VisitAidStat, 0, len(byType))
	for _, st := range byType {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AidType < out[j].AidType })
	return out, nil
}

// RebuildPendingVisitStats computes stats for every completed visit whose
// cache is stale. Failures for one visit do not stop the others.
func (s *Service) RebuildPendingVisitStats(ctx context.Context) (int, error) {
	var pending []domain.Visit
	if err := s.read(ctx, "list_pending_visit_stats", func(v domain.TransactionView) error {
		var err error
		pending, err = v.ListVisitsPendingStats()
		return err
	}); err != nil {
		return 0, err
	}
	var (
		rebuilt int
		errs    []error
	)
	for _, visit := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, _, err := s.EnsureVisitStats(ctx, visit.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		rebuilt++
	}
	s.logger.Info("visit stats rebuilt", "pending", len(pending), "rebuilt", rebuilt, "failed", len(errs))
	return rebuilt, errors.Join(errs...)
}
