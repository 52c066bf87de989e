package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/pkg/logger"
)

// Triggers turns domain events into alerts.
//
// Trigger points:
//  1. RESERVE_LOW: administrators, when the balance drops under the threshold
//  2. MIGRATION_FAILED: the subject and administrators
//  3. HANDOFF_COMPENSATED: administrators, when dual control was restored
type Triggers struct {
	sender Sender
	admins []string
}

// NewTriggers creates the trigger service. With no admins given, alerts
// go to RecipientAdmins.
func NewTriggers(sender Sender, admins ...string) *Triggers {
	if len(admins) == 0 {
		admins = []string{RecipientAdmins}
	}
	return &Triggers{sender: sender, admins: admins}
}

// Subscribe registers the triggers on d.
func (t *Triggers) Subscribe(d *domain.EventDispatcher) {
	d.Register(domain.EventReserveLow, t.onReserveLow)
	d.Register(domain.EventMigrationFailed, t.onMigrationFailed)
	d.Register(domain.EventHandoffCompensated, t.onHandoffCompensated)
}

func (t *Triggers) onReserveLow(ctx context.Context, e *domain.DomainEvent) error {
	var p domain.ReservePayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	t.OnReserveLow(ctx, p.Balance, p.MinThreshold)
	return nil
}

func (t *Triggers) onMigrationFailed(ctx context.Context, e *domain.DomainEvent) error {
	var p domain.MigrationPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	t.OnMigrationFailed(ctx, p.Subject, string(p.From), p.ErrorKind, p.Message)
	return nil
}

func (t *Triggers) onHandoffCompensated(ctx context.Context, e *domain.DomainEvent) error {
	var p domain.HandoffPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	t.OnHandoffCompensated(ctx, p.Subject, p.UnitID, p.Attempts, p.Reason)
	return nil
}

// OnReserveLow notifies administrators that the reserve needs a top-up.
func (t *Triggers) OnReserveLow(ctx context.Context, balance, threshold uint64) {
	params := Params{
		Type:         TypeReserveLow,
		Title:        "Resource reserve below threshold",
		Message:      fmt.Sprintf("Reserve balance %d is below the minimum of %d credits", balance, threshold),
		ResourceType: domain.AggregateReserve,
		ResourceID:   domain.AggregateReserve,
	}
	if err := t.sender.SendToMany(ctx, t.admins, params); err != nil {
		logger.Error("failed to send RESERVE_LOW notifications",
			zap.Uint64("balance", balance),
			zap.Error(err),
		)
	}
}

// OnMigrationFailed notifies the subject and administrators.
func (t *Triggers) OnMigrationFailed(ctx context.Context, subject, stage, kind, reason string) {
	msg := fmt.Sprintf("Migration of %s failed during %s with %s", subject, stage, kind)
	if reason != "" {
		msg += ": " + reason
	}
	params := Params{
		Type:         TypeMigrationFailed,
		Title:        fmt.Sprintf("Migration failed: %s", kind),
		Message:      msg,
		ResourceType: domain.AggregateMigration,
		ResourceID:   subject,
	}
	recipients := append([]string{subject}, t.admins...)
	if err := t.sender.SendToMany(ctx, recipients, params); err != nil {
		logger.Error("failed to send MIGRATION_FAILED notifications",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// OnHandoffCompensated notifies administrators that a unit went back to
// dual control after the handoff gave up.
func (t *Triggers) OnHandoffCompensated(ctx context.Context, subject, unitID string, attempts int, reason string) {
	params := Params{
		Type:         TypeHandoffCompensated,
		Title:        fmt.Sprintf("Handoff of unit %s rolled back", unitID),
		Message:      fmt.Sprintf("Handoff to %s failed after %d attempts (%s); dual control restored", subject, attempts, reason),
		ResourceType: domain.AggregateUnit,
		ResourceID:   unitID,
	}
	if err := t.sender.SendToMany(ctx, t.admins, params); err != nil {
		logger.Error("failed to send HANDOFF_COMPENSATED notifications",
			zap.String("unit_id", unitID),
			zap.Error(err),
		)
	}
}
