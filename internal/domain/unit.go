package domain

import (
	"slices"
	"time"
)

// UnitStatus is the lifecycle status of a destination unit in the registry.
type UnitStatus string

const (
	UnitCreating   UnitStatus = "CREATING"
	UnitInstalling UnitStatus = "INSTALLING"
	UnitImporting  UnitStatus = "IMPORTING"
	UnitVerifying  UnitStatus = "VERIFYING"
	UnitHandoff    UnitStatus = "HANDOFF"
	UnitCompleted  UnitStatus = "COMPLETED"
	UnitFailed     UnitStatus = "FAILED"
)

// Valid reports whether s is a known unit status.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitCreating, UnitInstalling, UnitImporting, UnitVerifying, UnitHandoff, UnitCompleted, UnitFailed:
		return true
	}
	return false
}

// Resumable reports whether provisioning may continue against the unit
// instead of creating another one.
func (s UnitStatus) Resumable() bool {
	return s != UnitCompleted
}

// RegistryEntry is the durable catalog record of one destination unit.
type RegistryEntry struct {
	UnitID          string     `json:"unit_id"`
	Owner           string     `json:"owner"`
	Status          UnitStatus `json:"status"`
	CreditsConsumed uint64     `json:"credits_consumed"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ReserveStatus is a snapshot of the shared prepaid credit reserve.
type ReserveStatus struct {
	Balance               uint64    `json:"balance"`
	MinThreshold          uint64    `json:"min_threshold"`
	TotalConsumedLifetime uint64    `json:"total_consumed_lifetime"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// BelowThreshold reports whether the balance has dropped under the
// configured minimum.
func (r ReserveStatus) BelowThreshold() bool {
	return r.Balance < r.MinThreshold
}

// Controllers is the administrative identity set of a unit.
type Controllers []string

// DualControl is the controller set held from Creating through Verifying.
func DualControl(orchestrator, owner string) Controllers {
	return Controllers{orchestrator, owner}
}

// OwnerControl is the controller set after a successful handoff.
func OwnerControl(owner string) Controllers {
	return Controllers{owner}
}

// Equal compares two sets ignoring order.
func (c Controllers) Equal(other Controllers) bool {
	if len(c) != len(other) {
		return false
	}
	a, b := slices.Clone(c), slices.Clone(other)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
