package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/raphi011/relay/internal/model"
)

type BadgerStorage struct {
	db  *badger.DB
	log *slog.Logger
}

func NewBadgerStorage(dbPath string, log *slog.Logger) (*BadgerStorage, error) {
	s := &BadgerStorage{
		log: log,
	}
	var err error

	if dbPath == "" {
		s.db, err = badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	} else {
		s.db, err = badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	}
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	return s, nil
}

func (b *BadgerStorage) Close() error {
	return b.db.Close()
}

const recordPrefix = "upload-record/"

func recordKey(key string) []byte {
	return []byte(recordPrefix + key)
}

func (b *BadgerStorage) SaveRecord(_ context.Context, rec model.UploadRecord) error {
	return b.db.Update(func(t *badger.Txn) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshalling upload record: %w", err)
		}

		if err = t.Set(recordKey(rec.Key), data); err != nil {
			return fmt.Errorf("saving upload record %s: %w", rec.Key, err)
		}

		return nil
	})
}

func (b *BadgerStorage) LoadRecord(_ context.Context, key string) (model.UploadRecord, error) {
	var rec model.UploadRecord

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.NotFoundError{}
		} else if err != nil {
			return fmt.Errorf("loading upload record: %w", err)
		}

		err = item.Value(func(d []byte) error {
			return json.Unmarshal(d, &rec)
		})
		if err != nil {
			return fmt.Errorf("unmarshaling upload record: %w", err)
		}

		return nil
	})

	return rec, err
}

func (b *BadgerStorage) ListRecords(_ context.Context, states ...model.UploadState) ([]model.UploadRecord, error) {
	records := []model.UploadRecord{}

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.UploadRecord

			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshaling upload record: %w", err)
			}

			if matchesState(rec, states) {
				records = append(records, rec)
			}
		}

		return nil
	})

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Created.Before(records[j].Created)
	})

	return records, err
}
