// Package provider is the narrow interface to the provisioning authority
// that creates destination units, plus its mock and KubeVirt bindings.
//
// Import Path: unitmover.io/unitmover/internal/provider
package provider

import (
	"context"
	"time"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/transfer"
)

// UnitPhase is the provider-side lifecycle of a unit.
type UnitPhase string

const (
	UnitPhaseProvisioned UnitPhase = "PROVISIONED"
	UnitPhaseInstalled   UnitPhase = "INSTALLED"
	UnitPhaseRunning     UnitPhase = "RUNNING"
	UnitPhaseUnknown     UnitPhase = "UNKNOWN"
)

// CreateRequest asks for a new unit. IdempotencyKey makes repeated
// requests for the same migration attempt return the same unit.
type CreateRequest struct {
	IdempotencyKey string
	Owner          string
	Controllers    domain.Controllers
	FundingCredits uint64
	Template       *UnitTemplate
}

// Unit is a provisioned destination unit.
type Unit struct {
	ID          string             `json:"id"`
	Owner       string             `json:"owner"`
	Controllers domain.Controllers `json:"controllers"`
	Phase       UnitPhase          `json:"phase"`
	Address     string             `json:"address,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Provisioner creates and administers destination units.
//
// Implementations return *errors.AppError values: CodeUnitNotFound for an
// unknown unit, and a 503 (Retryable) error for transient conditions.
type Provisioner interface {
	Name() string

	CreateUnit(ctx context.Context, req CreateRequest) (*Unit, error)
	GetUnit(ctx context.Context, unitID string) (*Unit, error)
	InstallImage(ctx context.Context, unitID string, tmpl *UnitTemplate) error
	SetControllers(ctx context.Context, unitID string, controllers domain.Controllers) error
	HealthCheck(ctx context.Context, unitID string) error
	InterfaceVersion(ctx context.Context, unitID string) (string, error)

	// ImportEndpoint returns the transfer surface of an installed unit.
	ImportEndpoint(ctx context.Context, unitID string) (transfer.Endpoint, error)
}
