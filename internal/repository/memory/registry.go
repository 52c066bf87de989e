package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/clock"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/repository"
)

// RegistryRepository keeps units keyed by id with owner and status indexes.
type RegistryRepository struct {
	mu       sync.RWMutex
	clock    clock.Clock
	units    map[string]*domain.RegistryEntry
	byOwner  map[string]string
	byStatus map[domain.UnitStatus]map[string]struct{}
}

var _ repository.RegistryRepository = (*RegistryRepository)(nil)

// NewRegistryRepository creates an empty registry. A nil clk uses the
// wall clock.
func NewRegistryRepository(clk clock.Clock) *RegistryRepository {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RegistryRepository{
		clock:    clk,
		units:    make(map[string]*domain.RegistryEntry),
		byOwner:  make(map[string]string),
		byStatus: make(map[domain.UnitStatus]map[string]struct{}),
	}
}

func (r *RegistryRepository) Insert(_ context.Context, entry *domain.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.units[entry.UnitID]; ok {
		return repository.ErrAlreadyExists
	}
	if _, ok := r.byOwner[entry.Owner]; ok {
		return repository.ErrAlreadyExists
	}
	now := r.clock.Now().UTC()
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.units[stored.UnitID] = &stored
	r.byOwner[stored.Owner] = stored.UnitID
	r.index(&stored)
	*entry = stored
	return nil
}

func (r *RegistryRepository) Get(_ context.Context, unitID string) (*domain.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.units[unitID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *entry
	return &out, nil
}

func (r *RegistryRepository) GetByOwner(_ context.Context, owner string) (*domain.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	unitID, ok := r.byOwner[owner]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *r.units[unitID]
	return &out, nil
}

func (r *RegistryRepository) ListByStatus(_ context.Context, status domain.UnitStatus) ([]*domain.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.RegistryEntry, 0, len(r.byStatus[status]))
	for unitID := range r.byStatus[status] {
		entry := *r.units[unitID]
		out = append(out, &entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (r *RegistryRepository) UpdateStatus(_ context.Context, unitID string, status domain.UnitStatus) (*domain.RegistryEntry, error) {
	return r.mutate(unitID, func(e *domain.RegistryEntry) {
		delete(r.byStatus[e.Status], e.UnitID)
		e.Status = status
		r.index(e)
	})
}

func (r *RegistryRepository) AddCredits(_ context.Context, unitID string, amount uint64) (*domain.RegistryEntry, error) {
	return r.mutate(unitID, func(e *domain.RegistryEntry) {
		e.CreditsConsumed += amount
	})
}

func (r *RegistryRepository) mutate(unitID string, fn func(e *domain.RegistryEntry)) (*domain.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.units[unitID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if entry.Status == domain.UnitCompleted {
		return nil, repository.ErrConflict
	}
	fn(entry)
	entry.UpdatedAt = r.clock.Now().UTC()
	out := *entry
	return &out, nil
}

func (r *RegistryRepository) index(e *domain.RegistryEntry) {
	idx, ok := r.byStatus[e.Status]
	if !ok {
		idx = make(map[string]struct{})
		r.byStatus[e.Status] = idx
	}
	idx[e.UnitID] = struct{}{}
}
