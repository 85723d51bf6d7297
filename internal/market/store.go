package market

import (
	"context"
	"sync"
)

// Loader reads persisted commodity records.
type Loader interface {
	LoadCommodities(ctx context.Context) ([]Record, error)
}

// Store persists commodity records. SaveCommodities replaces the stored set.
type Store interface {
	Loader
	SaveCommodities(ctx context.Context, records []Record) error
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) LoadCommodities(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyRecords(s.records), nil
}

func (s *MemoryStore) SaveCommodities(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = copyRecords(records)
	return nil
}

func copyRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, rec := range in {
		out[i] = rec
		if rec.ID.Enchantments != nil {
			ench := make(map[string]int, len(rec.ID.Enchantments))
			for k, v := range rec.ID.Enchantments {
				ench[k] = v
			}
			out[i].ID.Enchantments = ench
		}
	}
	return out
}
