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
	unitColumns = `unit_id, owner, status, credits_consumed, created_at, updated_at`

	insertUnit = `
INSERT INTO units (unit_id, owner, status, credits_consumed, created_at, updated_at)
VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), NOW())
RETURNING ` + unitColumns

	getUnit        = `SELECT ` + unitColumns + ` FROM units WHERE unit_id = $1`
	getUnitByOwner = `SELECT ` + unitColumns + ` FROM units WHERE owner = $1`
	listUnits      = `SELECT ` + unitColumns + ` FROM units WHERE status = $1 ORDER BY unit_id`

	// Completed entries are frozen: the status guard makes the update a no-op.
	updateUnitStatus = `
UPDATE units SET status = $2, updated_at = NOW()
WHERE unit_id = $1 AND status <> 'COMPLETED'
RETURNING ` + unitColumns

	addUnitCredits = `
UPDATE units SET credits_consumed = credits_consumed + $2, updated_at = NOW()
WHERE unit_id = $1 AND status <> 'COMPLETED'
RETURNING ` + unitColumns
)

// RegistryRepository stores units with a unique owner index and a status
// B-tree index.
type RegistryRepository struct {
	db DBTX
}

var _ repository.RegistryRepository = (*RegistryRepository)(nil)

// NewRegistryRepository creates a repository on db.
func NewRegistryRepository(db DBTX) *RegistryRepository {
	return &RegistryRepository{db: db}
}

func (r *RegistryRepository) Insert(ctx context.Context, entry *domain.RegistryEntry) error {
	credits, err := toInt64(entry.CreditsConsumed)
	if err != nil {
		return err
	}
	var createdAt interface{}
	if !entry.CreatedAt.IsZero() {
		createdAt = entry.CreatedAt
	}
	stored, err := scanUnit(r.db.QueryRow(ctx, insertUnit,
		entry.UnitID, entry.Owner, string(entry.Status), credits, createdAt))
	if isUniqueViolation(err) {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert unit: %w", err)
	}
	*entry = *stored
	return nil
}

func (r *RegistryRepository) Get(ctx context.Context, unitID string) (*domain.RegistryEntry, error) {
	entry, err := scanUnit(r.db.QueryRow(ctx, getUnit, unitID))
	if err != nil {
		return nil, notFound(err)
	}
	return entry, nil
}

func (r *RegistryRepository) GetByOwner(ctx context.Context, owner string) (*domain.RegistryEntry, error) {
	entry, err := scanUnit(r.db.QueryRow(ctx, getUnitByOwner, owner))
	if err != nil {
		return nil, notFound(err)
	}
	return entry, nil
}

func (r *RegistryRepository) ListByStatus(ctx context.Context, status domain.UnitStatus) ([]*domain.RegistryEntry, error) {
	rows, err := r.db.Query(ctx, listUnits, string(status))
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	out := []*domain.RegistryEntry{}
	for rows.Next() {
		entry, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *RegistryRepository) UpdateStatus(ctx context.Context, unitID string, status domain.UnitStatus) (*domain.RegistryEntry, error) {
	return r.guarded(ctx, unitID, updateUnitStatus, unitID, string(status))
}

func (r *RegistryRepository) AddCredits(ctx context.Context, unitID string, amount uint64) (*domain.RegistryEntry, error) {
	n, err := toInt64(amount)
	if err != nil {
		return nil, err
	}
	return r.guarded(ctx, unitID, addUnitCredits, unitID, n)
}

// guarded runs a frozen-aware update and tells a missing unit apart from
// a completed one.
func (r *RegistryRepository) guarded(ctx context.Context, unitID, query string, args ...interface{}) (*domain.RegistryEntry, error) {
	entry, err := scanUnit(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update unit: %w", err)
	}
	if _, getErr := r.Get(ctx, unitID); getErr != nil {
		return nil, getErr
	}
	return nil, repository.ErrConflict
}

func scanUnit(row pgx.Row) (*domain.RegistryEntry, error) {
	var (
		entry   domain.RegistryEntry
		status  string
		credits int64
	)
	if err := row.Scan(&entry.UnitID, &entry.Owner, &status, &credits, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return nil, err
	}
	entry.Status = domain.UnitStatus(status)
	entry.CreditsConsumed = uint64(credits)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}
