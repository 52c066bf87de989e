// Package notification delivers operator and owner alerts: a low reserve,
// a failed migration, a compensated handoff.
//
// Alerts are advisory. Delivery failures are logged and never fail the
// operation that raised them.
//
// Import Path: unitmover.io/unitmover/internal/notification
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"unitmover.io/unitmover/internal/pkg/logger"
)

// Type constants.
const (
	TypeReserveLow         = "RESERVE_LOW"
	TypeMigrationFailed    = "MIGRATION_FAILED"
	TypeHandoffCompensated = "HANDOFF_COMPENSATED"
)

// RecipientAdmins is the shared inbox of platform administrators.
const RecipientAdmins = "platform:admins"

// DefaultInboxCapacity bounds the alerts kept per recipient.
const DefaultInboxCapacity = 200

// Params holds the fields of one alert.
type Params struct {
	RecipientID  string // subject or RecipientAdmins
	Type         string // One of Type* constants above
	Title        string
	Message      string
	ResourceType string // e.g. "migration", "reserve", "unit"
	ResourceID   string
}

// Notification is a delivered alert.
type Notification struct {
	ID           string    `json:"id"`
	RecipientID  string    `json:"recipient_id"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sender defines the interface for sending notifications.
type Sender interface {
	// Send delivers a notification to a single recipient.
	Send(ctx context.Context, params Params) error

	// SendToMany delivers to multiple recipients.
	// Best-effort: logs errors but does not abort on individual failures.
	SendToMany(ctx context.Context, recipientIDs []string, params Params) error
}

// InboxSender keeps recent alerts in memory per recipient and mirrors each
// one to the log, so alerts stay visible when nobody reads the inbox.
type InboxSender struct {
	capacity int

	mu    sync.RWMutex
	boxes map[string][]Notification
}

// NewInboxSender creates an inbox keeping up to capacity alerts per
// recipient. Non-positive capacity uses DefaultInboxCapacity.
func NewInboxSender(capacity int) *InboxSender {
	if capacity <= 0 {
		capacity = DefaultInboxCapacity
	}
	return &InboxSender{capacity: capacity, boxes: make(map[string][]Notification)}
}

// Send stores a single notification.
func (s *InboxSender) Send(_ context.Context, params Params) error {
	if err := validateParams(params); err != nil {
		return fmt.Errorf("notification params invalid: %w", err)
	}

	n := Notification{
		ID:           uuid.NewString(),
		RecipientID:  params.RecipientID,
		Type:         params.Type,
		Title:        params.Title,
		Message:      params.Message,
		ResourceType: params.ResourceType,
		ResourceID:   params.ResourceID,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	box := append(s.boxes[params.RecipientID], n)
	if len(box) > s.capacity {
		box = box[len(box)-s.capacity:]
	}
	s.boxes[params.RecipientID] = box
	s.mu.Unlock()

	logger.Warn("Alert raised",
		zap.String("recipient", params.RecipientID),
		zap.String("type", params.Type),
		zap.String("title", params.Title),
		zap.String("resource_id", params.ResourceID),
	)
	return nil
}

// SendToMany delivers to multiple recipients (best-effort).
func (s *InboxSender) SendToMany(ctx context.Context, recipientIDs []string, params Params) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	var failCount int
	for _, recipientID := range recipientIDs {
		p := params
		p.RecipientID = recipientID
		if err := s.Send(ctx, p); err != nil {
			failCount++
			logger.Error("notification delivery failed",
				zap.String("recipient", recipientID),
				zap.String("type", params.Type),
				zap.Error(err),
			)
		}
	}

	if failCount > 0 {
		return fmt.Errorf("notification delivery failed for %d/%d recipients", failCount, len(recipientIDs))
	}
	return nil
}

// List returns up to limit alerts of recipientID, newest first.
func (s *InboxSender) List(recipientID string, limit int) []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	box := s.boxes[recipientID]
	if limit <= 0 || limit > len(box) {
		limit = len(box)
	}
	out := make([]Notification, 0, limit)
	for i := len(box) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, box[i])
	}
	return out
}

// compile-time check
var _ Sender = (*InboxSender)(nil)

// --- Helpers ---

func validateParams(p Params) error {
	if p.RecipientID == "" {
		return errors.New("recipient_id is required")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	if p.Message == "" {
		return errors.New("message is required")
	}
	switch p.Type {
	case TypeReserveLow, TypeMigrationFailed, TypeHandoffCompensated:
		return nil
	default:
		return fmt.Errorf("unknown notification type: %s", p.Type)
	}
}
