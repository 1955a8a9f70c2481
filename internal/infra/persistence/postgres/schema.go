package postgres

import "aidstock/pkg/domain"

// schemaStatements create the relational layout. The deposit quantity checks
// duplicate the ledger invariant so a bypassing writer still cannot break it.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		capacity INTEGER NOT NULL CONSTRAINT deposits_capacity_positive CHECK (capacity > 0),
		current_quantity INTEGER NOT NULL DEFAULT 0,
		is_refrigerated BOOLEAN NOT NULL DEFAULT FALSE,
		humidity_level TEXT NOT NULL,
		min_temperature_c DOUBLE PRECISION NULL,
		max_temperature_c DOUBLE PRECISION NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT deposits_quantity_non_negative CHECK (current_quantity >= 0),
		CONSTRAINT deposits_quantity_within_capacity CHECK (current_quantity <= capacity),
		CONSTRAINT deposits_temperature_range CHECK (min_temperature_c IS NULL OR max_temperature_c IS NULL OR min_temperature_c <= max_temperature_c)
	)`,
	`CREATE TABLE IF NOT EXISTS aids (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		quantity INTEGER NOT NULL CONSTRAINT aids_quantity_non_negative CHECK (quantity >= 0),
		deposit_id TEXT NULL REFERENCES deposits(id),
		requires_refrigeration BOOLEAN NOT NULL DEFAULT FALSE,
		required_humidity_level TEXT NULL,
		required_min_temperature_c DOUBLE PRECISION NULL,
		required_max_temperature_c DOUBLE PRECISION NULL,
		removed_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE aids ADD COLUMN IF NOT EXISTS removed_at TIMESTAMPTZ NULL`,
	`CREATE INDEX IF NOT EXISTS idx_aids_deposit ON aids(deposit_id)`,
	`CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		is_completed BOOLEAN NOT NULL DEFAULT FALSE,
		stats_computed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS aid_distributions (
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL,
		aid_id TEXT NOT NULL REFERENCES aids(id),
		source_deposit_id TEXT NOT NULL REFERENCES deposits(id),
		quantity INTEGER NOT NULL CONSTRAINT aid_distributions_quantity_positive CHECK (quantity > 0),
		unit TEXT NULL,
		notes TEXT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		reversed_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_aid_distributions_visit ON aid_distributions(visit_id)`,
	`CREATE INDEX IF NOT EXISTS idx_aid_distributions_aid ON aid_distributions(aid_id)`,
	`CREATE TABLE IF NOT EXISTS visit_aid_stats (
		visit_id TEXT NOT NULL REFERENCES visits(id),
		aid_type TEXT NOT NULL,
		total_quantity INTEGER NOT NULL,
		distribution_count INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (visit_id, aid_type)
	)`,
	`CREATE TABLE IF NOT EXISTS deposit_storage_stats (
		id TEXT PRIMARY KEY,
		deposit_id TEXT NOT NULL,
		aid_type TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		stored_quantity INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deposit_storage_stats_deposit ON deposit_storage_stats(deposit_id, created_at DESC)`,
}

// constraintCodes maps named CHECK constraints onto domain error codes.
var constraintCodes = map[string]domain.ErrorCode{
	"deposits_capacity_positive":          domain.CodeInvalidCapacity,
	"deposits_quantity_non_negative":      domain.CodeNegativeStock,
	"deposits_quantity_within_capacity":   domain.CodeCapacityExceeded,
	"deposits_temperature_range":          domain.CodeInvalidRange,
	"aids_quantity_non_negative":          domain.CodeInsufficientStock,
	"aid_distributions_quantity_positive": domain.CodeInvalidQuantity,
}
