// Package modules contains domain-oriented dependency modules of the
// composition root.
//
// Import Path: unitmover.io/unitmover/internal/app/modules
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"unitmover.io/unitmover/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker
	// registry and returns the periodic jobs they run.
	RegisterWorkers(*river.Workers) []*river.PeriodicJob

	// Start launches module-local background work. It is called after
	// River has started, or instead of River in memory mode.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}
