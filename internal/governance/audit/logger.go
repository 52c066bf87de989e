// Package audit implements the audit logging service.
//
// Audit logs are append-only compliance records. Hard-delete is NOT allowed.
//
// Import Path: unitmover.io/unitmover/internal/governance/audit
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository"
)

// Logger writes audit records to the audit repository.
type Logger struct {
	repo repository.AuditRepository
}

// NewLogger creates a new audit Logger.
func NewLogger(repo repository.AuditRepository) *Logger {
	return &Logger{repo: repo}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	if l == nil {
		return nil
	}
	err := l.repo.Append(ctx, &repository.AuditRecord{
		ID:           generateAuditID(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// LogMigration records a migration state change.
func (l *Logger) LogMigration(ctx context.Context, operation, subject, actor string, details map[string]interface{}) error {
	return l.LogAction(ctx, "migration."+operation, domain.AggregateMigration, subject, actor, details)
}

// LogReserve records a reserve mutation.
func (l *Logger) LogReserve(ctx context.Context, operation, actor string, details map[string]interface{}) error {
	return l.LogAction(ctx, "reserve."+operation, domain.AggregateReserve, "reserve", actor, details)
}

// History returns the most recent records for one resource.
func (l *Logger) History(ctx context.Context, resourceType, resourceID string, limit int) ([]*repository.AuditRecord, error) {
	return l.repo.ListByResource(ctx, resourceType, resourceID, limit)
}

// Subscribe writes an audit record for every migration and reserve event.
func (l *Logger) Subscribe(d *domain.EventDispatcher) {
	for _, t := range []domain.EventType{
		domain.EventMigrationStarted,
		domain.EventMigrationStageChanged,
		domain.EventMigrationCompleted,
		domain.EventMigrationFailed,
		domain.EventMigrationReset,
		domain.EventHandoffCompensated,
	} {
		d.Register(t, l.onMigrationEvent)
	}
	d.Register(domain.EventReserveToppedUp, l.onReserveEvent)
	d.Register(domain.EventReserveLow, l.onReserveEvent)
}

func (l *Logger) onMigrationEvent(ctx context.Context, e *domain.DomainEvent) error {
	details := map[string]interface{}{"event_id": e.EventID}
	if e.EventType == domain.EventHandoffCompensated {
		var p domain.HandoffPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		details["unit_id"] = p.UnitID
		details["attempts"] = p.Attempts
		details["compensated"] = p.Compensated
		return l.LogAction(ctx, "handoff.compensated", domain.AggregateUnit, p.UnitID, e.CreatedBy, details)
	}

	var p domain.MigrationPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	details["from"] = string(p.From)
	details["to"] = string(p.To)
	details["attempt"] = p.Attempt
	if p.UnitID != "" {
		details["unit_id"] = p.UnitID
	}
	if p.ErrorKind != "" {
		details["error_kind"] = p.ErrorKind
	}
	return l.LogMigration(ctx, actionFor(e.EventType), e.AggregateID, e.CreatedBy, details)
}

func (l *Logger) onReserveEvent(ctx context.Context, e *domain.DomainEvent) error {
	var p domain.ReservePayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	op := "topped_up"
	if e.EventType == domain.EventReserveLow {
		op = "low"
	}
	return l.LogReserve(ctx, op, e.CreatedBy, map[string]interface{}{
		"balance":       p.Balance,
		"min_threshold": p.MinThreshold,
		"amount":        p.Amount,
	})
}

func actionFor(t domain.EventType) string {
	switch t {
	case domain.EventMigrationStarted:
		return "started"
	case domain.EventMigrationCompleted:
		return "completed"
	case domain.EventMigrationFailed:
		return "failed"
	case domain.EventMigrationReset:
		return "reset"
	default:
		return "stage_changed"
	}
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
