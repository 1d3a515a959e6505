package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/raphi011/relay/internal/model"
)

// Cache keeps upload records in memory only.
type Cache struct {
	m sync.Map
}

func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) SaveRecord(_ context.Context, rec model.UploadRecord) error {
	c.m.Store(rec.Key, rec)

	return nil
}

func (c *Cache) LoadRecord(_ context.Context, key string) (model.UploadRecord, error) {
	val, ok := c.m.Load(key)
	if !ok {
		return model.UploadRecord{}, model.NotFoundError{}
	}

	return val.(model.UploadRecord), nil
}

func (c *Cache) ListRecords(_ context.Context, states ...model.UploadState) ([]model.UploadRecord, error) {
	records := []model.UploadRecord{}

	c.m.Range(func(_, value any) bool {
		rec := value.(model.UploadRecord)
		if matchesState(rec, states) {
			records = append(records, rec)
		}
		return true
	})

	sort.Slice(records, func(i, j int) bool {
		if records[i].Created.Equal(records[j].Created) {
			return records[i].Key < records[j].Key
		}
		return records[i].Created.Before(records[j].Created)
	})

	return records, nil
}

func (c *Cache) Close() error {
	return nil
}
