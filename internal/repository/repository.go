// Package repository defines the persistence contracts of the migrator.
//
// MigrationState, the registry, the reserve and settings are the only
// shared mutable records. Every method is a single atomic record-level
// operation; none spans an external call. Two implementations exist:
// memory (tests, single-process runs) and postgres.
//
// Import Path: unitmover.io/unitmover/internal/repository
package repository

import (
	"context"
	"time"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
)

// Sentinel errors shared by every implementation.
var (
	ErrNotFound      = apperrors.ErrNotFound
	ErrAlreadyExists = apperrors.ErrAlreadyExists
	ErrConflict      = apperrors.ErrConflict
)

// MigrationRepository stores one MigrationState per subject.
type MigrationRepository interface {
	// Get returns ErrNotFound when the subject has no state.
	Get(ctx context.Context, subject string) (*domain.MigrationState, error)
	// Create stores a new state with Version 1. ErrAlreadyExists if present.
	Create(ctx context.Context, state *domain.MigrationState) error
	// Update writes state if the stored version equals state.Version, then
	// increments state.Version. ErrConflict on a lost race.
	Update(ctx context.Context, state *domain.MigrationState) error
	// ListByStatus returns states in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...domain.MigrationStatus) ([]*domain.MigrationState, error)
	// ListStalled returns non-terminal states last updated before cutoff.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*domain.MigrationState, error)
	// CountByStatus returns the number of states per status.
	CountByStatus(ctx context.Context) (map[domain.MigrationStatus]int, error)
}

// RegistryRepository stores destination units. Completed entries reject
// every write with ErrConflict.
type RegistryRepository interface {
	// Insert returns ErrAlreadyExists when the unit id or owner is taken.
	Insert(ctx context.Context, entry *domain.RegistryEntry) error
	Get(ctx context.Context, unitID string) (*domain.RegistryEntry, error)
	GetByOwner(ctx context.Context, owner string) (*domain.RegistryEntry, error)
	ListByStatus(ctx context.Context, status domain.UnitStatus) ([]*domain.RegistryEntry, error)
	UpdateStatus(ctx context.Context, unitID string, status domain.UnitStatus) (*domain.RegistryEntry, error)
	AddCredits(ctx context.Context, unitID string, amount uint64) (*domain.RegistryEntry, error)
}

// ReserveRepository stores the singleton prepaid credit reserve.
type ReserveRepository interface {
	// Ensure creates the reserve with initial values if it does not exist.
	Ensure(ctx context.Context, initial domain.ReserveStatus) error
	Get(ctx context.Context) (domain.ReserveStatus, error)
	// Consume debits required in one step iff balance >= min_threshold and
	// balance >= required. On refusal it reports ok=false together with the
	// unchanged status and never mutates the balance.
	Consume(ctx context.Context, required uint64) (status domain.ReserveStatus, ok bool, err error)
	TopUp(ctx context.Context, amount uint64) (domain.ReserveStatus, error)
	SetThreshold(ctx context.Context, threshold uint64) (domain.ReserveStatus, error)
}

// SettingsRepository stores runtime toggles.
type SettingsRepository interface {
	// Get returns ErrNotFound for unset keys.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// AuditRecord is one append-only compliance record.
type AuditRecord struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Actor        string                 `json:"actor"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// AuditRepository appends audit records. Records are never updated or
// deleted.
type AuditRepository interface {
	Append(ctx context.Context, record *AuditRecord) error
	ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]*AuditRecord, error)
}

// Store bundles the repositories one backend provides.
type Store struct {
	Migrations MigrationRepository
	Registry   RegistryRepository
	Reserve    ReserveRepository
	Settings   SettingsRepository
	Audit      AuditRepository
}
