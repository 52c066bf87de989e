// Package memory provides mutex-guarded in-memory repositories.
//
// Owner and status lookups go through map indexes maintained on every
// write, never through a full scan. Records are cloned on the way in and
// out so callers cannot mutate stored state.
//
// Import Path: unitmover.io/unitmover/internal/repository/memory
package memory

import (
	"github.com/juju/clock"

	"unitmover.io/unitmover/internal/repository"
)

// NewStore returns a Store whose repositories share clk for timestamps.
// A nil clk uses the wall clock.
func NewStore(clk clock.Clock) *repository.Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &repository.Store{
		Migrations: NewMigrationRepository(),
		Registry:   NewRegistryRepository(clk),
		Reserve:    NewReserveRepository(clk),
		Settings:   NewSettingsRepository(),
		Audit:      NewAuditRepository(),
	}
}
