// Package blob selects the object store that deposit history archives are
// written to. Callers depend on blob.Store; only this package imports the
// concrete backends.
package blob

import (
	"aidstock/internal/blob/core"
	"aidstock/internal/infra/blob/fs"
	"aidstock/internal/infra/blob/memory"
	"aidstock/internal/infra/blob/s3"
	"context"
	"fmt"
	"os"
)

type (
	// Driver identifies a blob backend.
	Driver = core.Driver
	// PutOptions configures a write.
	PutOptions = core.PutOptions
	// Info describes a stored object.
	Info = core.Info
	// Store is implemented by every backend.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Open selects a backend from the environment.
//
//	AIDSTOCK_BLOB_DRIVER: fs|s3|memory (default fs)
//	AIDSTOCK_BLOB_FS_ROOT: root directory for fs (default ./blobdata)
//
// The S3 variables are listed on s3.ConfigFromEnv.
func Open(ctx context.Context) (Store, error) {
	driver := Driver(os.Getenv("AIDSTOCK_BLOB_DRIVER"))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("AIDSTOCK_BLOB_FS_ROOT"))
	case DriverS3:
		cfg, err := s3.ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return NewS3(ctx, cfg)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem returns a directory-backed store.
func NewFilesystem(root string) (Store, error) {
	store, err := fs.New(root)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewS3 returns a bucket-backed store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	store, err := s3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewMemory returns an in-memory store for tests.
func NewMemory() Store { return memory.New() }
