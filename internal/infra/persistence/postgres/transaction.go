package postgres

import (
	"aidstock/pkg/domain"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	depositColumns      = "id, name, capacity, current_quantity, is_refrigerated, humidity_level, min_temperature_c, max_temperature_c, created_at, updated_at"
	aidColumns          = "id, name, type, quantity, deposit_id, requires_refrigeration, required_humidity_level, required_min_temperature_c, required_max_temperature_c, removed_at, created_at, updated_at"
	distributionColumns = "id, visit_id, aid_id, source_deposit_id, quantity, unit, notes, status, reversed_at, created_at, updated_at"
	visitColumns        = "id, user_id, is_active, is_completed, stats_computed, created_at, updated_at"
	visitStatColumns    = "visit_id, aid_type, total_quantity, distribution_count, created_at"
)

// transaction implements domain.Transaction over one *sql.Tx. With lock set,
// every read appends FOR UPDATE so concurrent writers queue on the rows.
type transaction struct {
	ctx     context.Context
	tx      *sql.Tx
	now     time.Time
	lock    bool
	changes []domain.Change
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *transaction) forUpdate() string {
	if t.lock {
		return " FOR UPDATE"
	}
	return ""
}

func (t *transaction) recordChange(change domain.Change) {
	t.changes = append(t.changes, change)
}

// Snapshot returns a non-locking view over the same uncommitted state.
func (t *transaction) Snapshot() domain.TransactionView {
	return &transaction{ctx: t.ctx, tx: t.tx, now: t.now}
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func scanDeposit(row scanner) (domain.Deposit, error) {
	var d domain.Deposit
	var humidity string
	var minT, maxT sql.NullFloat64
	if err := row.Scan(&d.ID, &d.Name, &d.Capacity, &d.CurrentQuantity, &d.IsRefrigerated, &humidity, &minT, &maxT, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Deposit{}, err
	}
	d.HumidityLevel = domain.HumidityLevel(humidity)
	d.MinTemperatureC = floatPtr(minT)
	d.MaxTemperatureC = floatPtr(maxT)
	return d, nil
}

func scanAid(row scanner) (domain.Aid, error) {
	var a domain.Aid
	var aidType string
	var depositID, humidity sql.NullString
	var minT, maxT sql.NullFloat64
	var removedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.Name, &aidType, &a.Quantity, &depositID, &a.RequiresRefrigeration, &humidity, &minT, &maxT, &removedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Aid{}, err
	}
	a.Type = domain.AidType(aidType)
	a.DepositID = stringPtr(depositID)
	if humidity.Valid {
		h := domain.HumidityLevel(humidity.String)
		a.RequiredHumidityLevel = &h
	}
	a.RequiredMinTemperatureC = floatPtr(minT)
	a.RequiredMaxTemperatureC = floatPtr(maxT)
	if removedAt.Valid {
		a.RemovedAt = &removedAt.Time
	}
	return a, nil
}

func scanDistribution(row scanner) (domain.Distribution, error) {
	var d domain.Distribution
	var unit, notes sql.NullString
	var status string
	var reversedAt sql.NullTime
	if err := row.Scan(&d.ID, &d.VisitID, &d.AidID, &d.SourceDepositID, &d.Quantity, &unit, &notes, &status, &reversedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Distribution{}, err
	}
	d.Unit = stringPtr(unit)
	d.Notes = stringPtr(notes)
	d.Status = domain.DistributionStatus(status)
	if reversedAt.Valid {
		ts := reversedAt.Time
		d.ReversedAt = &ts
	}
	return d, nil
}

func scanVisit(row scanner) (domain.Visit, error) {
	var v domain.Visit
	err := row.Scan(&v.ID, &v.UserID, &v.IsActive, &v.IsCompleted, &v.StatsComputed, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func notFound(err error, entity domain.EntityType, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	return err
}

func (t *transaction) FindDeposit(id string) (domain.Deposit, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+depositColumns+" FROM deposits WHERE id = $1"+t.forUpdate(), id)
	d, err := scanDeposit(row)
	return d, notFound(err, domain.EntityDeposit, id)
}

func (t *transaction) FindAid(id string) (domain.Aid, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+aidColumns+" FROM aids WHERE id = $1"+t.forUpdate(), id)
	a, err := scanAid(row)
	return a, notFound(err, domain.EntityAid, id)
}

func (t *transaction) FindDistribution(id string) (domain.Distribution, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+distributionColumns+" FROM aid_distributions WHERE id = $1"+t.forUpdate(), id)
	d, err := scanDistribution(row)
	return d, notFound(err, domain.EntityDistribution, id)
}

func (t *transaction) FindVisit(id string) (domain.Visit, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+visitColumns+" FROM visits WHERE id = $1"+t.forUpdate(), id)
	v, err := scanVisit(row)
	return v, notFound(err, domain.EntityVisit, id)
}

func queryAll[T any](t *transaction, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (t *transaction) ListDeposits() ([]domain.Deposit, error) {
	return queryAll(t, scanDeposit, "SELECT "+depositColumns+" FROM deposits ORDER BY name, id"+t.forUpdate())
}

func (t *transaction) ListAidsByDeposit(depositID string) ([]domain.Aid, error) {
	return queryAll(t, scanAid, "SELECT "+aidColumns+" FROM aids WHERE deposit_id = $1 ORDER BY id"+t.forUpdate(), depositID)
}

func (t *transaction) ListDistributionsByVisit(visitID string) ([]domain.Distribution, error) {
	return queryAll(t, scanDistribution, "SELECT "+distributionColumns+" FROM aid_distributions WHERE visit_id = $1 ORDER BY created_at, id"+t.forUpdate(), visitID)
}

func (t *transaction) ListDistributionsByAid(aidID string) ([]domain.Distribution, error) {
	return queryAll(t, scanDistribution, "SELECT "+distributionColumns+" FROM aid_distributions WHERE aid_id = $1 ORDER BY created_at, id"+t.forUpdate(), aidID)
}

func (t *transaction) ListVisitsPendingStats() ([]domain.Visit, error) {
	return queryAll(t, scanVisit, "SELECT "+visitColumns+" FROM visits WHERE is_completed = TRUE AND stats_computed = FALSE ORDER BY id"+t.forUpdate())
}

func (t *transaction) ListVisitAidStats(visitID string) ([]domain.VisitAidStat, error) {
	return queryAll(t, func(row scanner) (domain.VisitAidStat, error) {
		var st domain.VisitAidStat
		var aidType string
		err := row.Scan(&st.VisitID, &aidType, &st.TotalQuantity, &st.DistributionCount, &st.CreatedAt)
		st.AidType = domain.AidType(aidType)
		return st, err
	}, "SELECT "+visitStatColumns+" FROM visit_aid_stats WHERE visit_id = $1 ORDER BY aid_type", visitID)
}

func (t *transaction) insertDeposit(d domain.Deposit) error {
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO deposits ("+depositColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)",
		d.ID, d.Name, d.Capacity, d.CurrentQuantity, d.IsRefrigerated, string(d.HumidityLevel),
		nullableFloat(d.MinTemperatureC), nullableFloat(d.MaxTemperatureC), d.CreatedAt, d.UpdatedAt)
	return err
}

func (t *transaction) CreateDeposit(d domain.Deposit) (domain.Deposit, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = t.now
	d.UpdatedAt = t.now
	if err := t.insertDeposit(d); err != nil {
		return domain.Deposit{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityDeposit, Action: domain.ActionCreate, After: d})
	return d, nil
}

func (t *transaction) UpdateDeposit(id string, mutator func(*domain.Deposit) error) (domain.Deposit, error) {
	current, err := t.lockedDeposit(id)
	if err != nil {
		return domain.Deposit{}, err
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Deposit{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE deposits SET name = $2, capacity = $3, current_quantity = $4, is_refrigerated = $5, humidity_level = $6,
			min_temperature_c = $7, max_temperature_c = $8, updated_at = $9 WHERE id = $1`,
		id, current.Name, current.Capacity, current.CurrentQuantity, current.IsRefrigerated, string(current.HumidityLevel),
		nullableFloat(current.MinTemperatureC), nullableFloat(current.MaxTemperatureC), current.UpdatedAt)
	if err != nil {
		return domain.Deposit{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityDeposit, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// lockedDeposit reads a deposit with FOR UPDATE regardless of the view mode.
func (t *transaction) lockedDeposit(id string) (domain.Deposit, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+depositColumns+" FROM deposits WHERE id = $1 FOR UPDATE", id)
	d, err := scanDeposit(row)
	return d, notFound(err, domain.EntityDeposit, id)
}

func (t *transaction) CreateAid(a domain.Aid) (domain.Aid, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.DepositID != nil {
		if _, err := t.lockedDeposit(*a.DepositID); err != nil {
			return domain.Aid{}, err
		}
	}
	a.CreatedAt = t.now
	a.UpdatedAt = t.now
	var humidity any
	if a.RequiredHumidityLevel != nil {
		humidity = string(*a.RequiredHumidityLevel)
	}
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO aids ("+aidColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)",
		a.ID, a.Name, string(a.Type), a.Quantity, nullableString(a.DepositID), a.RequiresRefrigeration, humidity,
		nullableFloat(a.RequiredMinTemperatureC), nullableFloat(a.RequiredMaxTemperatureC), nullableTime(a.RemovedAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return domain.Aid{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityAid, Action: domain.ActionCreate, After: a})
	return a, nil
}

func (t *transaction) UpdateAid(id string, mutator func(*domain.Aid) error) (domain.Aid, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+aidColumns+" FROM aids WHERE id = $1 FOR UPDATE", id)
	current, err := scanAid(row)
	if err != nil {
		return domain.Aid{}, notFound(err, domain.EntityAid, id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Aid{}, err
	}
	if current.DepositID != nil {
		if _, err := t.lockedDeposit(*current.DepositID); err != nil {
			return domain.Aid{}, err
		}
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	var humidity any
	if current.RequiredHumidityLevel != nil {
		humidity = string(*current.RequiredHumidityLevel)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE aids SET name = $2, type = $3, quantity = $4, deposit_id = $5, requires_refrigeration = $6,
			required_humidity_level = $7, required_min_temperature_c = $8, required_max_temperature_c = $9, removed_at = $10, updated_at = $11 WHERE id = $1`,
		id, current.Name, string(current.Type), current.Quantity, nullableString(current.DepositID), current.RequiresRefrigeration,
		humidity, nullableFloat(current.RequiredMinTemperatureC), nullableFloat(current.RequiredMaxTemperatureC), nullableTime(current.RemovedAt), current.UpdatedAt)
	if err != nil {
		return domain.Aid{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityAid, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (t *transaction) CreateDistribution(d domain.Distribution) (domain.Distribution, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = domain.DistributionActive
	}
	d.CreatedAt = t.now
	d.UpdatedAt = t.now
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO aid_distributions ("+distributionColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)",
		d.ID, d.VisitID, d.AidID, d.SourceDepositID, d.Quantity, nullableString(d.Unit), nullableString(d.Notes),
		string(d.Status), nullableTime(d.ReversedAt), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return domain.Distribution{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityDistribution, Action: domain.ActionCreate, After: d})
	return d, nil
}

func (t *transaction) UpdateDistribution(id string, mutator func(*domain.Distribution) error) (domain.Distribution, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+distributionColumns+" FROM aid_distributions WHERE id = $1 FOR UPDATE", id)
	current, err := scanDistribution(row)
	if err != nil {
		return domain.Distribution{}, notFound(err, domain.EntityDistribution, id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Distribution{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE aid_distributions SET visit_id = $2, aid_id = $3, source_deposit_id = $4, quantity = $5, unit = $6, notes = $7,
			status = $8, reversed_at = $9, updated_at = $10 WHERE id = $1`,
		id, current.VisitID, current.AidID, current.SourceDepositID, current.Quantity, nullableString(current.Unit),
		nullableString(current.Notes), string(current.Status), nullableTime(current.ReversedAt), current.UpdatedAt)
	if err != nil {
		return domain.Distribution{}, err
	}
	action := domain.ActionUpdate
	if before.IsActive() && !current.IsActive() {
		action = domain.ActionReverse
	}
	t.recordChange(domain.Change{Entity: domain.EntityDistribution, Action: action, Before: before, After: current})
	return current, nil
}

func (t *transaction) UpsertVisit(v domain.Visit) (domain.Visit, error) {
	if v.ID == "" {
		return domain.Visit{}, domain.NewError(domain.CodeInvalidInput, domain.EntityVisit, "", "visit id is required")
	}
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+visitColumns+" FROM visits WHERE id = $1 FOR UPDATE", v.ID)
	existing, err := scanVisit(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		v.CreatedAt = t.now
		v.UpdatedAt = t.now
		if _, err := t.tx.ExecContext(t.ctx,
			"INSERT INTO visits ("+visitColumns+") VALUES ($1,$2,$3,$4,$5,$6,$7)",
			v.ID, v.UserID, v.IsActive, v.IsCompleted, v.StatsComputed, v.CreatedAt, v.UpdatedAt); err != nil {
			return domain.Visit{}, err
		}
		t.recordChange(domain.Change{Entity: domain.EntityVisit, Action: domain.ActionCreate, After: v})
		return v, nil
	case err != nil:
		return domain.Visit{}, err
	}
	v.CreatedAt = existing.CreatedAt
	v.UpdatedAt = t.now
	if err := t.writeVisit(v); err != nil {
		return domain.Visit{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityVisit, Action: domain.ActionUpdate, Before: existing, After: v})
	return v, nil
}

func (t *transaction) writeVisit(v domain.Visit) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE visits SET user_id = $2, is_active = $3, is_completed = $4, stats_computed = $5, updated_at = $6 WHERE id = $1`,
		v.ID, v.UserID, v.IsActive, v.IsCompleted, v.StatsComputed, v.UpdatedAt)
	return err
}

func (t *transaction) UpdateVisit(id string, mutator func(*domain.Visit) error) (domain.Visit, error) {
	row := t.tx.QueryRowContext(t.ctx, "SELECT "+visitColumns+" FROM visits WHERE id = $1 FOR UPDATE", id)
	current, err := scanVisit(row)
	if err != nil {
		return domain.Visit{}, notFound(err, domain.EntityVisit, id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Visit{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = t.now
	if err := t.writeVisit(current); err != nil {
		return domain.Visit{}, err
	}
	t.recordChange(domain.Change{Entity: domain.EntityVisit, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

func (t *transaction) ReplaceVisitAidStats(visitID string, stats []domain.VisitAidStat) error {
	if _, err := t.FindVisit(visitID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM visit_aid_stats WHERE visit_id = $1`, visitID); err != nil {
		return err
	}
	for _, st := range stats {
		if st.CreatedAt.IsZero() {
			st.CreatedAt = t.now
		}
		if _, err := t.tx.ExecContext(t.ctx,
			"INSERT INTO visit_aid_stats ("+visitStatColumns+") VALUES ($1,$2,$3,$4,$5)",
			visitID, string(st.AidType), st.TotalQuantity, st.DistributionCount, st.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}
