// Package domain provides the domain model of the unit migrator.
//
// Types here are persisted by the repositories and carried through the
// pipeline; they never reference provider or storage types.
//
// Import Path: unitmover.io/unitmover/internal/domain
package domain

import (
	"slices"
	"time"
)

// MigrationStatus is the stage of a subject's migration pipeline.
type MigrationStatus string

const (
	MigrationNotStarted MigrationStatus = "NOT_STARTED"
	MigrationExporting  MigrationStatus = "EXPORTING"
	MigrationCreating   MigrationStatus = "CREATING"
	MigrationInstalling MigrationStatus = "INSTALLING"
	MigrationImporting  MigrationStatus = "IMPORTING"
	MigrationVerifying  MigrationStatus = "VERIFYING"
	MigrationCompleted  MigrationStatus = "COMPLETED"
	MigrationFailed     MigrationStatus = "FAILED"
)

// pipeline is the forward order of stages. No stage is ever skipped.
var pipeline = []MigrationStatus{
	MigrationNotStarted,
	MigrationExporting,
	MigrationCreating,
	MigrationInstalling,
	MigrationImporting,
	MigrationVerifying,
	MigrationCompleted,
}

// Terminal reports whether no further step runs from s.
func (s MigrationStatus) Terminal() bool {
	return s == MigrationCompleted || s == MigrationFailed
}

// Valid reports whether s is a known status.
func (s MigrationStatus) Valid() bool {
	return s == MigrationFailed || slices.Contains(pipeline, s)
}

// Next returns the stage following s in the pipeline.
func (s MigrationStatus) Next() (MigrationStatus, bool) {
	i := slices.Index(pipeline, s)
	if i < 0 || i == len(pipeline)-1 {
		return "", false
	}
	return pipeline[i+1], true
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to MigrationStatus) bool {
	if to == MigrationFailed {
		return !from.Terminal()
	}
	next, ok := from.Next()
	return ok && next == to
}

// MigrationError is the last failure recorded on a migration.
type MigrationError struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Params  map[string]string `json:"params,omitempty"`
}

// ExportSummary describes what the source holds for the subject.
type ExportSummary struct {
	ItemCount  int    `json:"item_count"`
	TotalBytes uint64 `json:"total_bytes"`
}

// TransferSummary is the outcome of a finalized transfer session.
type TransferSummary struct {
	ItemsCommitted int      `json:"items_committed" cbor:"1,keyasint"`
	ItemsFailed    int      `json:"items_failed" cbor:"2,keyasint"`
	ItemsMissing   int      `json:"items_missing" cbor:"3,keyasint"`
	TotalBytes     uint64   `json:"total_bytes" cbor:"4,keyasint"`
	FailedItems    []string `json:"failed_items,omitempty" cbor:"5,keyasint,omitempty"`
}

// Clean reports whether every expected item was committed.
func (s TransferSummary) Clean() bool {
	return s.ItemsFailed == 0 && s.ItemsMissing == 0
}

// TransferProgress is the resumable import progress.
type TransferProgress struct {
	SessionID string           `json:"session_id,omitempty"`
	Committed []string         `json:"committed,omitempty"`
	Failed    []string         `json:"failed,omitempty"`
	Summary   *TransferSummary `json:"summary,omitempty"`
}

// Done reports whether itemID has already been committed or failed.
func (p TransferProgress) Done(itemID string) bool {
	return slices.Contains(p.Committed, itemID) || slices.Contains(p.Failed, itemID)
}

// HandoffPhase is the position of the controller handoff saga.
type HandoffPhase string

const (
	HandoffPending      HandoffPhase = ""
	HandoffForward      HandoffPhase = "FORWARD"
	HandoffApplied      HandoffPhase = "APPLIED"
	HandoffCompensating HandoffPhase = "COMPENSATING"
	HandoffCompensated  HandoffPhase = "COMPENSATED"
	HandoffAbandoned    HandoffPhase = "ABANDONED"
)

// HandoffRecord is the persisted saga state.
type HandoffRecord struct {
	Phase                HandoffPhase `json:"phase,omitempty"`
	Attempts             int          `json:"attempts"`
	CompensationAttempts int          `json:"compensation_attempts,omitempty"`
	LastError            string       `json:"last_error,omitempty"`
	ForwardApplied       bool         `json:"forward_applied"`
	Compensated          bool         `json:"compensated"`
}

// MigrationState is the single durable record of one subject's migration.
type MigrationState struct {
	Subject         string           `json:"subject"`
	Status          MigrationStatus  `json:"status"`
	Attempt         int              `json:"attempt"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	TargetUnitID    string           `json:"target_unit_id,omitempty"`
	CreditsConsumed uint64           `json:"credits_consumed"`
	Error           *MigrationError  `json:"error,omitempty"`
	Export          ExportSummary    `json:"export"`
	Transfer        TransferProgress `json:"transfer"`
	Verified        bool             `json:"verified"`
	Handoff         HandoffRecord    `json:"handoff"`
}

// Clone returns a deep copy of s.
func (s *MigrationState) Clone() *MigrationState {
	if s == nil {
		return nil
	}
	out := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Error != nil {
		e := *s.Error
		if s.Error.Params != nil {
			e.Params = make(map[string]string, len(s.Error.Params))
			for k, v := range s.Error.Params {
				e.Params[k] = v
			}
		}
		out.Error = &e
	}
	out.Transfer.Committed = slices.Clone(s.Transfer.Committed)
	out.Transfer.Failed = slices.Clone(s.Transfer.Failed)
	if s.Transfer.Summary != nil {
		sum := *s.Transfer.Summary
		sum.FailedItems = slices.Clone(s.Transfer.Summary.FailedItems)
		out.Transfer.Summary = &sum
	}
	return &out
}

// Restartable reports whether migrate may start a fresh pipeline.
// A failed migration whose handoff already reached the owner is not
// restarted; it needs operator attention.
func (s *MigrationState) Restartable() bool {
	if s == nil {
		return true
	}
	switch s.Status {
	case MigrationNotStarted:
		return true
	case MigrationFailed:
		return !s.Handoff.ForwardApplied
	default:
		return false
	}
}

// Item is one unit of subject data exported from the source store.
type Item struct {
	ID   string
	Data []byte
}

// Caller identifies who invokes an operation.
type Caller struct {
	ID    string
	Admin bool
}

// MayActOn reports whether the caller may migrate subject.
func (c Caller) MayActOn(subject string) bool {
	return c.Admin || (c.ID != "" && c.ID == subject)
}
