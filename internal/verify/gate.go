// Package verify gates the controller handoff.
//
// A unit is handed to its owner only when the transfer summary is clean,
// the destination speaks a compatible interface version and it answers a
// liveness probe. There is no degraded path: any failed check is a
// VERIFY_FAILED error.
//
// Import Path: unitmover.io/unitmover/internal/verify
package verify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// Backend is the part of the provisioning authority the gate probes.
type Backend interface {
	InterfaceVersion(ctx context.Context, unitID string) (string, error)
	HealthCheck(ctx context.Context, unitID string) error
}

// Verifier decides whether a unit may be handed off.
type Verifier interface {
	Verify(ctx context.Context, unitID string, summary domain.TransferSummary) error
}

// Gate is the production Verifier.
type Gate struct {
	backend  Backend
	required string
}

var _ Verifier = (*Gate)(nil)

// NewGate creates a Gate requiring requiredVersion.
func NewGate(backend Backend, requiredVersion string) *Gate {
	return &Gate{backend: backend, required: requiredVersion}
}

// Verify runs the checks in order: transfer summary, interface version,
// liveness. The first failure is returned.
func (g *Gate) Verify(ctx context.Context, unitID string, summary domain.TransferSummary) error {
	log := logger.With(zap.String("unit_id", unitID))

	if err := CheckSummary(summary); err != nil {
		log.Warn("Verification rejected transfer", zap.Error(err))
		return err
	}

	got, err := g.backend.InterfaceVersion(ctx, unitID)
	if err != nil {
		log.Warn("Interface version query failed", zap.Error(err))
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindUnhealthy,
			fmt.Sprintf("interface version unavailable: %v", err), "")
	}
	if err := CheckVersion(g.required, got); err != nil {
		log.Warn("Verification rejected interface version",
			zap.String("required", g.required),
			zap.String("reported", got),
		)
		return err
	}

	if err := g.backend.HealthCheck(ctx, unitID); err != nil {
		log.Warn("Liveness probe failed", zap.Error(err))
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindUnhealthy,
			fmt.Sprintf("liveness probe failed: %v", err), "")
	}

	log.Info("Verification passed",
		zap.Int("items_committed", summary.ItemsCommitted),
		zap.String("interface_version", got),
	)
	return nil
}

// CheckSummary rejects a summary with failed or missing items. The first
// failed item is reported as item_id.
func CheckSummary(summary domain.TransferSummary) error {
	if summary.ItemsFailed > 0 {
		itemID := ""
		if len(summary.FailedItems) > 0 {
			itemID = summary.FailedItems[0]
		}
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindItemsFailed,
			fmt.Sprintf("%d item(s) failed integrity checks", summary.ItemsFailed), itemID)
	}
	if summary.ItemsMissing > 0 {
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindItemsMissing,
			fmt.Sprintf("%d item(s) never committed", summary.ItemsMissing), "")
	}
	return nil
}

// CheckVersion accepts reported when it has the same major version as
// required and is not older.
func CheckVersion(required, reported string) error {
	if !semver.IsValid(reported) {
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindVersionIncompatible,
			fmt.Sprintf("reported interface version %q is not a semantic version", reported), "")
	}
	if semver.Major(reported) != semver.Major(required) {
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindVersionIncompatible,
			fmt.Sprintf("interface major version %s, require %s", semver.Major(reported), semver.Major(required)), "")
	}
	if semver.Compare(reported, required) < 0 {
		return apperrors.ErrVerifyFailed(apperrors.VerifyKindVersionIncompatible,
			fmt.Sprintf("interface version %s is older than %s", reported, required), "")
	}
	return nil
}
