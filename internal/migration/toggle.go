package migration

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository"
)

// SettingEnabled is the settings key of the feature toggle.
const SettingEnabled = "migration.enabled"

// Toggle is the persisted migration feature switch. Until an admin sets
// it, the configured default applies.
type Toggle struct {
	repo repository.SettingsRepository
	def  bool
}

// NewToggle creates a Toggle.
func NewToggle(repo repository.SettingsRepository, def bool) *Toggle {
	return &Toggle{repo: repo, def: def}
}

// Enabled reports whether new migrations may start.
func (t *Toggle) Enabled(ctx context.Context) (bool, error) {
	v, err := t.repo.Get(ctx, SettingEnabled)
	if errors.Is(err, repository.ErrNotFound) {
		return t.def, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", SettingEnabled, err)
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", SettingEnabled, v, err)
	}
	return enabled, nil
}

// Set changes the toggle. Admin only.
func (t *Toggle) Set(ctx context.Context, caller domain.Caller, enabled bool) error {
	if !caller.Admin {
		return apperrors.ErrAdminRequired(caller.ID)
	}
	if err := t.repo.Set(ctx, SettingEnabled, strconv.FormatBool(enabled)); err != nil {
		return fmt.Errorf("write %s: %w", SettingEnabled, err)
	}
	logger.Info("Migration toggle changed",
		zap.String("actor", caller.ID),
		zap.Bool("enabled", enabled),
	)
	return nil
}
