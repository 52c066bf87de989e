// Package registry is the durable catalog of destination units.
//
// Entries are created when provisioning begins and frozen once Completed.
//
// Import Path: unitmover.io/unitmover/internal/registry
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository"
)

// Service enforces registry invariants over a RegistryRepository.
type Service struct {
	repo repository.RegistryRepository
}

// NewService creates a registry Service.
func NewService(repo repository.RegistryRepository) *Service {
	return &Service{repo: repo}
}

// Register records a new unit in CREATING. Registering the same unit for
// the same owner again returns the existing entry.
func (s *Service) Register(ctx context.Context, unitID, owner string) (*domain.RegistryEntry, error) {
	if unitID == "" || owner == "" {
		return nil, apperrors.ErrInvalidArgument("unit id and owner are required")
	}

	entry := &domain.RegistryEntry{UnitID: unitID, Owner: owner, Status: domain.UnitCreating}
	err := s.repo.Insert(ctx, entry)
	if errors.Is(err, repository.ErrAlreadyExists) {
		existing, getErr := s.repo.GetByOwner(ctx, owner)
		if getErr == nil && existing.UnitID == unitID {
			return existing, nil
		}
		return nil, apperrors.Conflict(apperrors.CodeConflict, "owner or unit already registered").
			WithParams(map[string]interface{}{"unit_id": unitID, "owner": owner})
	}
	if err != nil {
		return nil, fmt.Errorf("register unit %s: %w", unitID, err)
	}

	logger.Info("Unit registered",
		zap.String("unit_id", unitID),
		zap.String("owner", owner),
	)
	return entry, nil
}

// SetStatus moves a unit to status.
func (s *Service) SetStatus(ctx context.Context, unitID string, status domain.UnitStatus) (*domain.RegistryEntry, error) {
	if !status.Valid() {
		return nil, apperrors.ErrInvalidArgument("unknown unit status " + string(status))
	}
	entry, err := s.repo.UpdateStatus(ctx, unitID, status)
	if err != nil {
		return nil, s.mapWriteErr(unitID, err)
	}
	logger.Debug("Unit status changed",
		zap.String("unit_id", unitID),
		zap.String("status", string(status)),
	)
	return entry, nil
}

// AddCredits increases the credits charged to a unit.
func (s *Service) AddCredits(ctx context.Context, unitID string, amount uint64) (*domain.RegistryEntry, error) {
	entry, err := s.repo.AddCredits(ctx, unitID, amount)
	if err != nil {
		return nil, s.mapWriteErr(unitID, err)
	}
	return entry, nil
}

// Get returns the entry for unitID.
func (s *Service) Get(ctx context.Context, unitID string) (*domain.RegistryEntry, error) {
	entry, err := s.repo.Get(ctx, unitID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrUnitNotFound(unitID)
	}
	return entry, err
}

// GetByOwner returns the owner's entry, or nil when none exists.
func (s *Service) GetByOwner(ctx context.Context, owner string) (*domain.RegistryEntry, error) {
	entry, err := s.repo.GetByOwner(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup unit by owner: %w", err)
	}
	return entry, nil
}

// ListByStatus returns the entries in status.
func (s *Service) ListByStatus(ctx context.Context, status domain.UnitStatus) ([]*domain.RegistryEntry, error) {
	if !status.Valid() {
		return nil, apperrors.ErrInvalidArgument("unknown unit status " + string(status))
	}
	return s.repo.ListByStatus(ctx, status)
}

// CompletedUnitID returns the unit id of the owner's completed unit.
func (s *Service) CompletedUnitID(ctx context.Context, owner string) (string, error) {
	entry, err := s.GetByOwner(ctx, owner)
	if err != nil {
		return "", err
	}
	if entry == nil || entry.Status != domain.UnitCompleted {
		return "", apperrors.ErrUnitNotFound(owner)
	}
	return entry.UnitID, nil
}

func (s *Service) mapWriteErr(unitID string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.ErrUnitNotFound(unitID)
	case errors.Is(err, repository.ErrConflict):
		return apperrors.New(apperrors.CodeConflict, "unit is completed and immutable", http.StatusConflict).
			WithParams(map[string]interface{}{"unit_id": unitID})
	default:
		return fmt.Errorf("update unit %s: %w", unitID, err)
	}
}
