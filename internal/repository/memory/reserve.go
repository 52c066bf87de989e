package memory

import (
	"context"
	"sync"

	"github.com/juju/clock"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/repository"
)

// ReserveRepository guards the reserve with a mutex so the check and the
// debit of Consume happen under one lock.
type ReserveRepository struct {
	mu      sync.Mutex
	clock   clock.Clock
	status  domain.ReserveStatus
	created bool
}

var _ repository.ReserveRepository = (*ReserveRepository)(nil)

// NewReserveRepository creates a reserve with zero balance.
func NewReserveRepository(clk clock.Clock) *ReserveRepository {
	if clk == nil {
		clk = clock.WallClock
	}
	return &ReserveRepository{clock: clk}
}

func (r *ReserveRepository) Ensure(_ context.Context, initial domain.ReserveStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.created {
		return nil
	}
	r.status = initial
	r.status.UpdatedAt = r.clock.Now().UTC()
	r.created = true
	return nil
}

func (r *ReserveRepository) Get(_ context.Context) (domain.ReserveStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

func (r *ReserveRepository) Consume(_ context.Context, required uint64) (domain.ReserveStatus, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Balance < r.status.MinThreshold || r.status.Balance < required {
		return r.status, false, nil
	}
	r.status.Balance -= required
	r.status.TotalConsumedLifetime += required
	r.touch()
	return r.status, true, nil
}

func (r *ReserveRepository) TopUp(_ context.Context, amount uint64) (domain.ReserveStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.Balance += amount
	r.touch()
	return r.status, nil
}

func (r *ReserveRepository) SetThreshold(_ context.Context, threshold uint64) (domain.ReserveStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status.MinThreshold = threshold
	r.touch()
	return r.status, nil
}

func (r *ReserveRepository) touch() {
	r.created = true
	r.status.UpdatedAt = r.clock.Now().UTC()
}
