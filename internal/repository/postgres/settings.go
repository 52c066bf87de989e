package postgres

import (
	"context"
	"fmt"

	"unitmover.io/unitmover/internal/repository"
)

const (
	getSetting    = `SELECT value FROM settings WHERE key = $1`
	upsertSetting = `
INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
)

// SettingsRepository stores runtime toggles.
type SettingsRepository struct {
	db DBTX
}

var _ repository.SettingsRepository = (*SettingsRepository)(nil)

// NewSettingsRepository creates a repository on db.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	if err := r.db.QueryRow(ctx, getSetting, key).Scan(&value); err != nil {
		return "", notFound(err)
	}
	return value, nil
}

func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	if _, err := r.db.Exec(ctx, upsertSetting, key, value); err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}
