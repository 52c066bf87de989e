package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/repository"
)

const (
	reserveColumns = `balance, min_threshold, total_consumed_lifetime, updated_at`

	ensureReserve = `
INSERT INTO reserve (id, balance, min_threshold, total_consumed_lifetime, updated_at)
VALUES (1, $1, $2, $3, NOW())
ON CONFLICT (id) DO NOTHING`

	getReserve = `SELECT ` + reserveColumns + ` FROM reserve WHERE id = 1`

	// Check and debit in one statement.
	consumeReserve = `
UPDATE reserve
SET balance = balance - $1,
    total_consumed_lifetime = total_consumed_lifetime + $1,
    updated_at = NOW()
WHERE id = 1 AND balance >= min_threshold AND balance >= $1
RETURNING ` + reserveColumns

	topUpReserve = `
UPDATE reserve SET balance = balance + $1, updated_at = NOW()
WHERE id = 1
RETURNING ` + reserveColumns

	setReserveThreshold = `
UPDATE reserve SET min_threshold = $1, updated_at = NOW()
WHERE id = 1
RETURNING ` + reserveColumns
)

// ReserveRepository stores the singleton reserve row.
type ReserveRepository struct {
	db DBTX
}

var _ repository.ReserveRepository = (*ReserveRepository)(nil)

// NewReserveRepository creates a repository on db.
func NewReserveRepository(db DBTX) *ReserveRepository {
	return &ReserveRepository{db: db}
}

func (r *ReserveRepository) Ensure(ctx context.Context, initial domain.ReserveStatus) error {
	balance, err := toInt64(initial.Balance)
	if err != nil {
		return err
	}
	threshold, err := toInt64(initial.MinThreshold)
	if err != nil {
		return err
	}
	consumed, err := toInt64(initial.TotalConsumedLifetime)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, ensureReserve, balance, threshold, consumed); err != nil {
		return fmt.Errorf("ensure reserve: %w", err)
	}
	return nil
}

func (r *ReserveRepository) Get(ctx context.Context) (domain.ReserveStatus, error) {
	status, err := scanReserve(r.db.QueryRow(ctx, getReserve))
	if err != nil {
		return domain.ReserveStatus{}, notFound(err)
	}
	return status, nil
}

func (r *ReserveRepository) Consume(ctx context.Context, required uint64) (domain.ReserveStatus, bool, error) {
	n, err := toInt64(required)
	if err != nil {
		return domain.ReserveStatus{}, false, err
	}
	status, err := scanReserve(r.db.QueryRow(ctx, consumeReserve, n))
	if err == nil {
		return status, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ReserveStatus{}, false, fmt.Errorf("consume reserve: %w", err)
	}
	current, err := r.Get(ctx)
	if err != nil {
		return domain.ReserveStatus{}, false, err
	}
	return current, false, nil
}

func (r *ReserveRepository) TopUp(ctx context.Context, amount uint64) (domain.ReserveStatus, error) {
	n, err := toInt64(amount)
	if err != nil {
		return domain.ReserveStatus{}, err
	}
	status, err := scanReserve(r.db.QueryRow(ctx, topUpReserve, n))
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("top up reserve: %w", notFound(err))
	}
	return status, nil
}

func (r *ReserveRepository) SetThreshold(ctx context.Context, threshold uint64) (domain.ReserveStatus, error) {
	n, err := toInt64(threshold)
	if err != nil {
		return domain.ReserveStatus{}, err
	}
	status, err := scanReserve(r.db.QueryRow(ctx, setReserveThreshold, n))
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("set reserve threshold: %w", notFound(err))
	}
	return status, nil
}

func scanReserve(row pgx.Row) (domain.ReserveStatus, error) {
	var (
		status                       domain.ReserveStatus
		balance, threshold, consumed int64
	)
	if err := row.Scan(&balance, &threshold, &consumed, &status.UpdatedAt); err != nil {
		return domain.ReserveStatus{}, err
	}
	status.Balance = uint64(balance)
	status.MinThreshold = uint64(threshold)
	status.TotalConsumedLifetime = uint64(consumed)
	status.UpdatedAt = status.UpdatedAt.UTC()
	return status, nil
}
