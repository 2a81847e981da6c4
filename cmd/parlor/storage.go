package main

import (
	"context"
	"fmt"

	"github.com/aeolun/parlor/pkg/database"
	"github.com/aeolun/parlor/pkg/server"
)

// snapshotStore is a Backend that can also list what it holds.
type snapshotStore interface {
	database.Backend
	Describe(ctx context.Context) ([]database.SnapshotInfo, error)
}

// openStorage opens the backend named by [storage].
func openStorage(cfg server.TOMLConfig) (snapshotStore, error) {
	path, err := cfg.GetStoragePath()
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Driver {
	case server.DriverSQLite:
		db, err := database.Open(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case server.DriverJSON:
		dir, err := database.OpenDir(path)
		if err != nil {
			return nil, err
		}
		return dir, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
