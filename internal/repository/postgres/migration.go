package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/repository"
)

const (
	getMigration = `SELECT version, state FROM migrations WHERE subject = $1`

	insertMigration = `
INSERT INTO migrations (subject, status, version, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	updateMigration = `
UPDATE migrations
SET status = $2, version = $3, state = $4, updated_at = $5
WHERE subject = $1 AND version = $6`

	listMigrationsByStatus = `
SELECT version, state FROM migrations WHERE status = ANY($1) ORDER BY subject`

	listStalledMigrations = `
SELECT version, state FROM migrations
WHERE status <> ALL($1) AND updated_at < $2
ORDER BY subject`

	countMigrationsByStatus = `SELECT status, COUNT(*) FROM migrations GROUP BY status`
)

// MigrationRepository stores MigrationState as JSONB with indexed status,
// version and updated_at columns.
type MigrationRepository struct {
	db DBTX
}

var _ repository.MigrationRepository = (*MigrationRepository)(nil)

// NewMigrationRepository creates a repository on db.
func NewMigrationRepository(db DBTX) *MigrationRepository {
	return &MigrationRepository{db: db}
}

func (r *MigrationRepository) Get(ctx context.Context, subject string) (*domain.MigrationState, error) {
	state, err := scanMigration(r.db.QueryRow(ctx, getMigration, subject))
	if err != nil {
		return nil, notFound(err)
	}
	return state, nil
}

func (r *MigrationRepository) Create(ctx context.Context, state *domain.MigrationState) error {
	stored := state.Clone()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal migration state: %w", err)
	}
	_, err = r.db.Exec(ctx, insertMigration,
		stored.Subject, string(stored.Status), stored.Version, data, stored.CreatedAt, stored.UpdatedAt)
	if isUniqueViolation(err) {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert migration: %w", err)
	}
	state.Version = 1
	return nil
}

func (r *MigrationRepository) Update(ctx context.Context, state *domain.MigrationState) error {
	stored := state.Clone()
	stored.Version = state.Version + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal migration state: %w", err)
	}
	tag, err := r.db.Exec(ctx, updateMigration,
		stored.Subject, string(stored.Status), stored.Version, data, stored.UpdatedAt, state.Version)
	if err != nil {
		return fmt.Errorf("update migration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, state.Subject); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	state.Version = stored.Version
	return nil
}

func (r *MigrationRepository) ListByStatus(ctx context.Context, statuses ...domain.MigrationStatus) ([]*domain.MigrationState, error) {
	return r.list(ctx, listMigrationsByStatus, statusStrings(statuses))
}

func (r *MigrationRepository) ListStalled(ctx context.Context, cutoff time.Time) ([]*domain.MigrationState, error) {
	idle := statusStrings([]domain.MigrationStatus{
		domain.MigrationNotStarted, domain.MigrationCompleted, domain.MigrationFailed,
	})
	return r.list(ctx, listStalledMigrations, idle, cutoff)
}

func (r *MigrationRepository) CountByStatus(ctx context.Context) (map[domain.MigrationStatus]int, error) {
	rows, err := r.db.Query(ctx, countMigrationsByStatus)
	if err != nil {
		return nil, fmt.Errorf("count migrations: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.MigrationStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan migration count: %w", err)
		}
		counts[domain.MigrationStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

func (r *MigrationRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.MigrationState, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var out []*domain.MigrationState
	for rows.Next() {
		state, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func scanMigration(row pgx.Row) (*domain.MigrationState, error) {
	var (
		version int64
		data    []byte
	)
	if err := row.Scan(&version, &data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan migration: %w", err)
	}
	var state domain.MigrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode migration state: %w", err)
	}
	state.Version = version
	return &state, nil
}

func statusStrings(statuses []domain.MigrationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
