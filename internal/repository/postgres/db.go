// Package postgres implements the repositories on PostgreSQL through pgx.
//
// Each method is one statement. The reserve debit is a single conditional
// UPDATE, so concurrent consumers serialize on the row lock and the
// losing statement re-evaluates its WHERE clause against the new balance.
//
// Import Path: unitmover.io/unitmover/internal/repository/postgres
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"unitmover.io/unitmover/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Migrate creates the migrator tables if they do not exist.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply migrator schema: %w", err)
	}
	return nil
}

// NewStore returns a Store backed by db.
func NewStore(db DBTX) *repository.Store {
	return &repository.Store{
		Migrations: NewMigrationRepository(db),
		Registry:   NewRegistryRepository(db),
		Reserve:    NewReserveRepository(db),
		Settings:   NewSettingsRepository(db),
		Audit:      NewAuditRepository(db),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

// toInt64 maps credit amounts onto BIGINT columns.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("amount %d exceeds BIGINT range", v)
	}
	return int64(v), nil
}
