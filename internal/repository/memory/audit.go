package memory

import (
	"context"
	"sort"
	"sync"

	"unitmover.io/unitmover/internal/repository"
)

// AuditRepository is an append-only slice of records.
type AuditRepository struct {
	mu      sync.RWMutex
	records []*repository.AuditRecord
}

var _ repository.AuditRepository = (*AuditRepository)(nil)

// NewAuditRepository creates an empty audit log.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Append(_ context.Context, record *repository.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	r.records = append(r.records, &stored)
	return nil
}

// ListByResource returns the newest records first.
func (r *AuditRepository) ListByResource(_ context.Context, resourceType, resourceID string, limit int) ([]*repository.AuditRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*repository.AuditRecord
	for _, rec := range r.records {
		if rec.ResourceType == resourceType && rec.ResourceID == resourceID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
