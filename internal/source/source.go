// Package source reads subject data out of the shared store. The migrator
// only ever reads; nothing here mutates source data.
//
// Import Path: unitmover.io/unitmover/internal/source
package source

import (
	"context"
	"slices"
	"sort"
	"sync"

	"unitmover.io/unitmover/internal/domain"
)

// Store exports the data items of a subject.
type Store interface {
	// ExportSubjectData returns every item of subject ordered by item ID.
	// A subject without data yields an empty slice.
	ExportSubjectData(ctx context.Context, subject string) ([]domain.Item, error)
}

// Summarize computes the export summary of items.
func Summarize(items []domain.Item) domain.ExportSummary {
	sum := domain.ExportSummary{ItemCount: len(items)}
	for _, it := range items {
		sum.TotalBytes += uint64(len(it.Data))
	}
	return sum
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Put stores items for subject, replacing existing items with the same ID.
func (m *MemoryStore) Put(subject string, items ...domain.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[subject]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[subject] = bucket
	}
	for _, it := range items {
		bucket[it.ID] = slices.Clone(it.Data)
	}
}

// ExportSubjectData implements Store. Returned data is a copy.
func (m *MemoryStore) ExportSubjectData(_ context.Context, subject string) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.data[subject]
	items := make([]domain.Item, 0, len(bucket))
	for id, data := range bucket {
		items = append(items, domain.Item{ID: id, Data: slices.Clone(data)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}
