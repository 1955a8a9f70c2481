// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"aidstock/internal/core"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SnapshotQueue selects how stats snapshot refreshes are delivered.
type SnapshotQueue string

const (
	QueueInline SnapshotQueue = "inline"
	QueueWorker SnapshotQueue = "worker"
	QueueRedis  SnapshotQueue = "redis"
)

// Config is everything cmd/aidstock needs to wire the process.
type Config struct {
	HTTPAddr      string
	LogMode       string
	Storage       core.StorageConfig
	TxMaxAttempts int
	SnapshotQueue SnapshotQueue
	RedisAddr     string
	StatsCron     string
	ArchiveCron   string
	// Archive enables the blob-backed history archive job. The backend
	// itself is selected by blob.Open from AIDSTOCK_BLOB_*.
	Archive     bool
	TraceStdout bool
}

// Load reads path (default .env) when present, then the environment.
// Variables already set in the environment win over the file.
func Load(path string) (Config, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables with defaults applied.
func FromEnv() (Config, error) {
	storage, err := core.StorageConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	if storage.SQLitePath == "" {
		storage.SQLitePath = "aidstock.db"
	}
	if storage.PostgresDSN == "" {
		storage.PostgresDSN = "postgres://localhost/aidstock?sslmode=disable"
	}
	if os.Getenv("AIDSTOCK_LOCK_TIMEOUT") == "" {
		storage.LockTimeout = 5 * time.Second
	}

	attempts := 3
	if raw := os.Getenv("AIDSTOCK_TX_MAX_ATTEMPTS"); raw != "" {
		attempts, err = strconv.Atoi(raw)
		if err != nil || attempts < 1 {
			return Config{}, fmt.Errorf("AIDSTOCK_TX_MAX_ATTEMPTS must be a positive integer, got %q", raw)
		}
	}

	queue := SnapshotQueue(strings.ToLower(getenv("AIDSTOCK_SNAPSHOT_QUEUE", string(QueueInline))))
	switch queue {
	case QueueInline, QueueWorker, QueueRedis:
	default:
		return Config{}, fmt.Errorf("unknown AIDSTOCK_SNAPSHOT_QUEUE %q", queue)
	}

	return Config{
		HTTPAddr:      getenv("AIDSTOCK_HTTP_ADDR", ":8080"),
		LogMode:       getenv("AIDSTOCK_LOG_MODE", "dev"),
		Storage:       storage,
		TxMaxAttempts: attempts,
		SnapshotQueue: queue,
		RedisAddr:     getenv("AIDSTOCK_REDIS_ADDR", "localhost:6379"),
		StatsCron:     getenv("AIDSTOCK_STATS_CRON", "@midnight"),
		ArchiveCron:   getenv("AIDSTOCK_ARCHIVE_CRON", "@daily"),
		Archive:       !strings.EqualFold(os.Getenv("AIDSTOCK_ARCHIVE_ENABLED"), "false"),
		TraceStdout:   strings.EqualFold(os.Getenv("AIDSTOCK_TRACE_STDOUT"), "true"),
	}, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
