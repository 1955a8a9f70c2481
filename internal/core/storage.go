package core

import (
	"aidstock/internal/infra/persistence/memory"
	"aidstock/internal/infra/persistence/postgres"
	"aidstock/internal/infra/persistence/sqlite"
	"aidstock/pkg/domain"
	"fmt"
	"os"
	"time"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and tunes a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	// LockTimeout bounds how long a unit of work waits for locks. Zero waits
	// until the caller's context ends.
	LockTimeout time.Duration
}

// StorageConfigFromEnv reads the backend selection from the environment.
//
//	AIDSTOCK_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	AIDSTOCK_SQLITE_PATH: path to sqlite file (default ./aidstock.db)
//	AIDSTOCK_POSTGRES_DSN: postgres DSN when driver=postgres
//	AIDSTOCK_LOCK_TIMEOUT: Go duration, e.g. 5s
func StorageConfigFromEnv() (StorageConfig, error) {
	cfg := StorageConfig{
		Driver:      StorageDriver(os.Getenv("AIDSTOCK_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("AIDSTOCK_SQLITE_PATH"),
		PostgresDSN: os.Getenv("AIDSTOCK_POSTGRES_DSN"),
	}
	if cfg.Driver == "" {
		cfg.Driver = StorageSQLite
	}
	if raw := os.Getenv("AIDSTOCK_LOCK_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return StorageConfig{}, fmt.Errorf("parse AIDSTOCK_LOCK_TIMEOUT: %w", err)
		}
		cfg.LockTimeout = d
	}
	return cfg, nil
}

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
func OpenPersistentStore(engine *domain.RulesEngine) (domain.PersistentStore, error) {
	cfg, err := StorageConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return OpenStore(cfg, engine)
}

// OpenStore opens the backend described by cfg.
func OpenStore(cfg StorageConfig, engine *domain.RulesEngine) (domain.PersistentStore, error) {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(engine, memory.WithLockTimeout(cfg.LockTimeout)), nil
	case StorageSQLite, "":
		store, err := sqlite.NewStore(cfg.SQLitePath, engine, memory.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := postgres.NewStore(cfg.PostgresDSN, engine, postgres.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
