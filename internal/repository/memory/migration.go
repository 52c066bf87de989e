package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/repository"
)

// MigrationRepository keeps states keyed by subject with a status index.
type MigrationRepository struct {
	mu       sync.RWMutex
	states   map[string]*domain.MigrationState
	byStatus map[domain.MigrationStatus]map[string]struct{}
}

var _ repository.MigrationRepository = (*MigrationRepository)(nil)

// NewMigrationRepository creates an empty repository.
func NewMigrationRepository() *MigrationRepository {
	return &MigrationRepository{
		states:   make(map[string]*domain.MigrationState),
		byStatus: make(map[domain.MigrationStatus]map[string]struct{}),
	}
}

func (r *MigrationRepository) Get(_ context.Context, subject string) (*domain.MigrationState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[subject]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return state.Clone(), nil
}

func (r *MigrationRepository) Create(_ context.Context, state *domain.MigrationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.states[state.Subject]; ok {
		return repository.ErrAlreadyExists
	}
	state.Version = 1
	r.put(state.Clone())
	return nil
}

func (r *MigrationRepository) Update(_ context.Context, state *domain.MigrationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.states[state.Subject]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != state.Version {
		return repository.ErrConflict
	}
	r.unindex(current)
	state.Version++
	r.put(state.Clone())
	return nil
}

func (r *MigrationRepository) ListByStatus(_ context.Context, statuses ...domain.MigrationStatus) ([]*domain.MigrationState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.MigrationState
	for _, status := range statuses {
		for subject := range r.byStatus[status] {
			out = append(out, r.states[subject].Clone())
		}
	}
	sortStates(out)
	return out, nil
}

func (r *MigrationRepository) ListStalled(_ context.Context, cutoff time.Time) ([]*domain.MigrationState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.MigrationState
	for status, subjects := range r.byStatus {
		if status.Terminal() || status == domain.MigrationNotStarted {
			continue
		}
		for subject := range subjects {
			state := r.states[subject]
			if state.UpdatedAt.Before(cutoff) {
				out = append(out, state.Clone())
			}
		}
	}
	sortStates(out)
	return out, nil
}

func (r *MigrationRepository) CountByStatus(_ context.Context) (map[domain.MigrationStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.MigrationStatus]int, len(r.byStatus))
	for status, subjects := range r.byStatus {
		if len(subjects) > 0 {
			counts[status] = len(subjects)
		}
	}
	return counts, nil
}

func (r *MigrationRepository) put(state *domain.MigrationState) {
	r.states[state.Subject] = state
	idx, ok := r.byStatus[state.Status]
	if !ok {
		idx = make(map[string]struct{})
		r.byStatus[state.Status] = idx
	}
	idx[state.Subject] = struct{}{}
}

func (r *MigrationRepository) unindex(state *domain.MigrationState) {
	delete(r.byStatus[state.Status], state.Subject)
}

func sortStates(states []*domain.MigrationState) {
	sort.Slice(states, func(i, j int) bool { return states[i].Subject < states[j].Subject })
}
