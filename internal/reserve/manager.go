// Package reserve manages the shared prepaid credit reserve that funds
// new destination units.
//
// PreflightAndConsume is the only debit path: the balance check and the
// debit are one repository operation, so two subjects can never both
// pass a preflight that covers only one of them.
//
// Import Path: unitmover.io/unitmover/internal/reserve
package reserve

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository"
)

// Manager wraps the reserve repository with authorization and alerts.
type Manager struct {
	repo   repository.ReserveRepository
	events *domain.EventDispatcher
}

// NewManager creates a Manager. events may be nil.
func NewManager(repo repository.ReserveRepository, events *domain.EventDispatcher) *Manager {
	return &Manager{repo: repo, events: events}
}

// Ensure creates the reserve record with initial values on first boot.
func (m *Manager) Ensure(ctx context.Context, balance, threshold uint64) error {
	return m.repo.Ensure(ctx, domain.ReserveStatus{Balance: balance, MinThreshold: threshold})
}

// PreflightAndConsume debits required credits if the balance is at or
// above the minimum threshold and covers required. On refusal the
// balance is untouched and a RESERVE_INSUFFICIENT error is returned.
func (m *Manager) PreflightAndConsume(ctx context.Context, required uint64) (domain.ReserveStatus, error) {
	if required == 0 {
		return domain.ReserveStatus{}, apperrors.ErrInvalidArgument("required credits must be positive")
	}

	status, ok, err := m.repo.Consume(ctx, required)
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("consume reserve: %w", err)
	}
	if !ok {
		logger.Warn("Reserve preflight refused",
			zap.Uint64("required", required),
			zap.Uint64("balance", status.Balance),
			zap.Uint64("min_threshold", status.MinThreshold),
		)
		return status, apperrors.ErrReserveInsufficient(required, status.Balance)
	}

	logger.Info("Reserve debited",
		zap.Uint64("amount", required),
		zap.Uint64("balance", status.Balance),
	)
	m.alertIfLow(ctx, status)
	return status, nil
}

// TopUp credits the reserve. Admin only.
func (m *Manager) TopUp(ctx context.Context, caller domain.Caller, amount uint64) (domain.ReserveStatus, error) {
	if !caller.Admin {
		return domain.ReserveStatus{}, apperrors.ErrAdminRequired(caller.ID)
	}
	if amount == 0 {
		return domain.ReserveStatus{}, apperrors.ErrInvalidArgument("top-up amount must be positive")
	}

	status, err := m.repo.TopUp(ctx, amount)
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("top up reserve: %w", err)
	}
	logger.Info("Reserve topped up",
		zap.String("actor", caller.ID),
		zap.Uint64("amount", amount),
		zap.Uint64("balance", status.Balance),
	)
	m.events.Publish(ctx, domain.EventReserveToppedUp, domain.AggregateReserve, "reserve", caller.ID,
		domain.ReservePayload{Balance: status.Balance, MinThreshold: status.MinThreshold, Amount: amount})
	return status, nil
}

// SetThreshold changes the minimum balance. Admin only.
func (m *Manager) SetThreshold(ctx context.Context, caller domain.Caller, threshold uint64) (domain.ReserveStatus, error) {
	if !caller.Admin {
		return domain.ReserveStatus{}, apperrors.ErrAdminRequired(caller.ID)
	}

	status, err := m.repo.SetThreshold(ctx, threshold)
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("set reserve threshold: %w", err)
	}
	logger.Info("Reserve threshold changed",
		zap.String("actor", caller.ID),
		zap.Uint64("min_threshold", threshold),
	)
	m.alertIfLow(ctx, status)
	return status, nil
}

// Status returns the reserve snapshot. Admin only.
func (m *Manager) Status(ctx context.Context, caller domain.Caller) (domain.ReserveStatus, error) {
	if !caller.Admin {
		return domain.ReserveStatus{}, apperrors.ErrAdminRequired(caller.ID)
	}
	return m.repo.Get(ctx)
}

// Check emits a low-balance alert when the reserve sits below its
// threshold. It is run periodically and never blocks a debit.
func (m *Manager) Check(ctx context.Context) (domain.ReserveStatus, error) {
	status, err := m.repo.Get(ctx)
	if err != nil {
		return domain.ReserveStatus{}, fmt.Errorf("read reserve: %w", err)
	}
	m.alertIfLow(ctx, status)
	return status, nil
}

func (m *Manager) alertIfLow(ctx context.Context, status domain.ReserveStatus) {
	if !status.BelowThreshold() {
		return
	}
	logger.Warn("Reserve below threshold",
		zap.Uint64("balance", status.Balance),
		zap.Uint64("min_threshold", status.MinThreshold),
	)
	m.events.Publish(ctx, domain.EventReserveLow, domain.AggregateReserve, "reserve", "system",
		domain.ReservePayload{Balance: status.Balance, MinThreshold: status.MinThreshold})
}
