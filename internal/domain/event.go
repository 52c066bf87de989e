package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of domain event.
type EventType string

const (
	// Migration lifecycle
	EventMigrationStarted      EventType = "MIGRATION_STARTED"
	EventMigrationStageChanged EventType = "MIGRATION_STAGE_CHANGED"
	EventMigrationCompleted    EventType = "MIGRATION_COMPLETED"
	EventMigrationFailed       EventType = "MIGRATION_FAILED"
	EventMigrationReset        EventType = "MIGRATION_RESET"

	// Reserve
	EventReserveLow      EventType = "RESERVE_LOW"
	EventReserveToppedUp EventType = "RESERVE_TOPPED_UP"

	// Handoff saga
	EventHandoffCompensated EventType = "HANDOFF_COMPENSATED"
)

// Aggregate types.
const (
	AggregateMigration = "migration"
	AggregateReserve   = "reserve"
	AggregateUnit      = "unit"
)

// DomainEvent represents an immutable domain event. Events are
// notifications only; the durable record stays in the repositories.
type DomainEvent struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Payload       []byte    `json:"payload"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewDomainEvent builds an event with a time-ordered ID and a JSON payload.
func NewDomainEvent(eventType EventType, aggregateType, aggregateID, actor string, payload any) (*DomainEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	return &DomainEvent{
		EventID:       id.String(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       data,
		CreatedBy:     actor,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *DomainEvent) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// MigrationPayload is the payload of migration lifecycle events.
type MigrationPayload struct {
	Subject   string          `json:"subject"`
	From      MigrationStatus `json:"from,omitempty"`
	To        MigrationStatus `json:"to"`
	Attempt   int             `json:"attempt"`
	UnitID    string          `json:"unit_id,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// ReservePayload is the payload of reserve events.
type ReservePayload struct {
	Balance      uint64 `json:"balance"`
	MinThreshold uint64 `json:"min_threshold"`
	Amount       uint64 `json:"amount,omitempty"`
}

// HandoffPayload is the payload of handoff saga events.
type HandoffPayload struct {
	Subject     string `json:"subject"`
	UnitID      string `json:"unit_id"`
	Attempts    int    `json:"attempts"`
	Compensated bool   `json:"compensated"`
	Reason      string `json:"reason,omitempty"`
}
