package core

import (
	"aidstock/internal/infra/persistence/memory"
	"aidstock/internal/infra/persistence/sqlite"
	"path/filepath"
	"testing"
	"time"
)

func TestStorageConfigFromEnv(t *testing.T) {
	t.Setenv("AIDSTOCK_STORAGE_DRIVER", "")
	t.Setenv("AIDSTOCK_LOCK_TIMEOUT", "")
	cfg, err := StorageConfigFromEnv()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Driver != StorageSQLite || cfg.LockTimeout != 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	t.Setenv("AIDSTOCK_STORAGE_DRIVER", "postgres")
	t.Setenv("AIDSTOCK_POSTGRES_DSN", "postgres://db/aid")
	t.Setenv("AIDSTOCK_LOCK_TIMEOUT", "750ms")
	cfg, err = StorageConfigFromEnv()
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if cfg.Driver != StoragePostgres || cfg.PostgresDSN != "postgres://db/aid" || cfg.LockTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("AIDSTOCK_LOCK_TIMEOUT", "soon")
	if _, err := StorageConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestOpenPersistentStoreDrivers(t *testing.T) {
	t.Setenv("AIDSTOCK_LOCK_TIMEOUT", "")
	t.Setenv("AIDSTOCK_STORAGE_DRIVER", string(StorageMemory))
	store, err := OpenPersistentStore(nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	t.Setenv("AIDSTOCK_STORAGE_DRIVER", string(StorageSQLite))
	t.Setenv("AIDSTOCK_SQLITE_PATH", filepath.Join(t.TempDir(), "aid.db"))
	store, err = OpenPersistentStore(NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	if NewService(store).engine == nil {
		t.Fatalf("service should pick up the store's rules engine")
	}

	t.Setenv("AIDSTOCK_STORAGE_DRIVER", "mongo")
	if _, err := OpenPersistentStore(nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
