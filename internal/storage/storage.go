// Package storage persists the upload records of the coordinator so the
// state of every unit of work can be inspected during and after a run.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphi011/relay/internal/model"
)

type Store interface {
	SaveRecord(ctx context.Context, rec model.UploadRecord) error
	// LoadRecord returns model.NotFoundError if no record exists for key.
	LoadRecord(ctx context.Context, key string) (model.UploadRecord, error)
	// ListRecords returns the records in one of states, or all records if
	// no state is given.
	ListRecords(ctx context.Context, states ...model.UploadState) ([]model.UploadRecord, error)
	Close() error
}

const (
	DriverMemory = "memory"
	DriverSqlite = "sqlite"
	DriverBadger = "badger"
)

// Open returns the store of driver. An empty path keeps sqlite and badger
// in memory.
func Open(driver, path string, log *slog.Logger) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewCache(), nil
	case DriverSqlite:
		return NewSqlite(path, log)
	case DriverBadger:
		return NewBadgerStorage(path, log)
	}

	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

func matchesState(rec model.UploadRecord, states []model.UploadState) bool {
	if len(states) == 0 {
		return true
	}

	for _, s := range states {
		if rec.State == s {
			return true
		}
	}

	return false
}
