// Package repotest holds the behavior every repository implementation
// must share. The memory and postgres packages run it against their own
// constructors.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/repository"
)

// RunStore runs every contract test against a fresh store per subtest.
func RunStore(t *testing.T, newStore func(t *testing.T) *repository.Store) {
	t.Run("migrations", func(t *testing.T) { Migrations(t, newStore(t).Migrations) })
	t.Run("registry", func(t *testing.T) { Registry(t, newStore(t).Registry) })
	t.Run("reserve", func(t *testing.T) { Reserve(t, newStore(t).Reserve) })
	t.Run("reserve atomicity", func(t *testing.T) { ReserveAtomicity(t, newStore(t).Reserve) })
	t.Run("settings", func(t *testing.T) { Settings(t, newStore(t).Settings) })
	t.Run("audit", func(t *testing.T) { Audit(t, newStore(t).Audit) })
}

// Migrations checks create, optimistic update and the status queries.
func Migrations(t *testing.T, repo repository.MigrationRepository) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repo.Get(ctx, "alice")
	require.ErrorIs(t, err, repository.ErrNotFound)

	state := &domain.MigrationState{
		Subject:   "alice",
		Status:    domain.MigrationExporting,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, repo.Create(ctx, state))
	require.EqualValues(t, 1, state.Version)
	require.ErrorIs(t, repo.Create(ctx, &domain.MigrationState{Subject: "alice"}), repository.ErrAlreadyExists)

	got, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.MigrationExporting, got.Status)
	require.EqualValues(t, 1, got.Version)

	// Two writers read version 1; only the first wins.
	first, second := got.Clone(), got.Clone()
	first.Status = domain.MigrationCreating
	first.Export = domain.ExportSummary{ItemCount: 3, TotalBytes: 42}
	require.NoError(t, repo.Update(ctx, first))
	require.EqualValues(t, 2, first.Version)

	second.Status = domain.MigrationFailed
	require.ErrorIs(t, repo.Update(ctx, second), repository.ErrConflict)

	got, err = repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.MigrationCreating, got.Status)
	require.Equal(t, 3, got.Export.ItemCount)

	missing := &domain.MigrationState{Subject: "nobody", Version: 1}
	require.ErrorIs(t, repo.Update(ctx, missing), repository.ErrNotFound)

	old := now.Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, &domain.MigrationState{
		Subject: "bob", Status: domain.MigrationImporting, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, repo.Create(ctx, &domain.MigrationState{
		Subject: "carol", Status: domain.MigrationCompleted, CreatedAt: old, UpdatedAt: old,
	}))

	stalled, err := repo.ListStalled(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, "bob", stalled[0].Subject)

	byStatus, err := repo.ListByStatus(ctx, domain.MigrationCreating, domain.MigrationImporting)
	require.NoError(t, err)
	require.Len(t, byStatus, 2)
	require.Equal(t, "alice", byStatus[0].Subject)
	require.Equal(t, "bob", byStatus[1].Subject)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[domain.MigrationCreating])
	require.Equal(t, 1, counts[domain.MigrationImporting])
	require.Equal(t, 1, counts[domain.MigrationCompleted])
	require.Zero(t, counts[domain.MigrationExporting])
}

// Registry checks the owner uniqueness, indexes and the Completed freeze.
func Registry(t *testing.T, repo repository.RegistryRepository) {
	ctx := context.Background()

	entry := &domain.RegistryEntry{UnitID: "unit-1", Owner: "alice", Status: domain.UnitCreating}
	require.NoError(t, repo.Insert(ctx, entry))
	require.False(t, entry.CreatedAt.IsZero())

	require.ErrorIs(t, repo.Insert(ctx, &domain.RegistryEntry{UnitID: "unit-1", Owner: "zed", Status: domain.UnitCreating}), repository.ErrAlreadyExists)
	require.ErrorIs(t, repo.Insert(ctx, &domain.RegistryEntry{UnitID: "unit-9", Owner: "alice", Status: domain.UnitCreating}), repository.ErrAlreadyExists)

	got, err := repo.GetByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "unit-1", got.UnitID)

	_, err = repo.GetByOwner(ctx, "bob")
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.Get(ctx, "unit-404")
	require.ErrorIs(t, err, repository.ErrNotFound)

	updated, err := repo.AddCredits(ctx, "unit-1", 5000)
	require.NoError(t, err)
	require.EqualValues(t, 5000, updated.CreditsConsumed)

	updated, err = repo.UpdateStatus(ctx, "unit-1", domain.UnitInstalling)
	require.NoError(t, err)
	require.Equal(t, domain.UnitInstalling, updated.Status)

	creating, err := repo.ListByStatus(ctx, domain.UnitCreating)
	require.NoError(t, err)
	require.Empty(t, creating)
	installing, err := repo.ListByStatus(ctx, domain.UnitInstalling)
	require.NoError(t, err)
	require.Len(t, installing, 1)

	_, err = repo.UpdateStatus(ctx, "unit-1", domain.UnitCompleted)
	require.NoError(t, err)

	_, err = repo.AddCredits(ctx, "unit-1", 1)
	require.ErrorIs(t, err, repository.ErrConflict)
	_, err = repo.UpdateStatus(ctx, "unit-1", domain.UnitFailed)
	require.ErrorIs(t, err, repository.ErrConflict)

	got, err = repo.Get(ctx, "unit-1")
	require.NoError(t, err)
	require.Equal(t, domain.UnitCompleted, got.Status)
	require.EqualValues(t, 5000, got.CreditsConsumed)
}

// Reserve checks the conditional debit and admin mutations.
func Reserve(t *testing.T, repo repository.ReserveRepository) {
	ctx := context.Background()

	require.NoError(t, repo.Ensure(ctx, domain.ReserveStatus{Balance: 500, MinThreshold: 1000}))
	require.NoError(t, repo.Ensure(ctx, domain.ReserveStatus{Balance: 99999}), "Ensure must not overwrite")

	status, ok, err := repo.Consume(ctx, 100)
	require.NoError(t, err)
	require.False(t, ok, "balance below threshold")
	require.EqualValues(t, 500, status.Balance)

	status, err = repo.TopUp(ctx, 9500)
	require.NoError(t, err)
	require.EqualValues(t, 10000, status.Balance)

	status, ok, err = repo.Consume(ctx, 12000)
	require.NoError(t, err)
	require.False(t, ok, "balance below required")
	require.EqualValues(t, 10000, status.Balance)

	status, ok, err = repo.Consume(ctx, 5000)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 5000, status.Balance)
	require.EqualValues(t, 5000, status.TotalConsumedLifetime)

	status, err = repo.SetThreshold(ctx, 6000)
	require.NoError(t, err)
	require.EqualValues(t, 6000, status.MinThreshold)

	_, ok, err = repo.Consume(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	status, err = repo.Get(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5000, status.Balance)
}

// ReserveAtomicity races two debits that the balance covers only once.
func ReserveAtomicity(t *testing.T, repo repository.ReserveRepository) {
	ctx := context.Background()
	require.NoError(t, repo.Ensure(ctx, domain.ReserveStatus{Balance: 10000, MinThreshold: 1000}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := repo.Consume(ctx, 6000)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				successes++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, successes)

	status, err := repo.Get(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4000, status.Balance)
}

// Settings checks get/set of toggles.
func Settings(t *testing.T, repo repository.SettingsRepository) {
	ctx := context.Background()

	_, err := repo.Get(ctx, "migration.enabled")
	require.True(t, errors.Is(err, repository.ErrNotFound))

	require.NoError(t, repo.Set(ctx, "migration.enabled", "false"))
	require.NoError(t, repo.Set(ctx, "migration.enabled", "true"))

	v, err := repo.Get(ctx, "migration.enabled")
	require.NoError(t, err)
	require.Equal(t, "true", v)
}

// Audit checks append and newest-first listing.
func Audit(t *testing.T, repo repository.AuditRepository) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i, action := range []string{"migration.started", "migration.stage", "migration.completed"} {
		require.NoError(t, repo.Append(ctx, &repository.AuditRecord{
			ID:           "audit-" + action,
			Action:       action,
			ResourceType: "migration",
			ResourceID:   "alice",
			Actor:        "alice",
			Details:      map[string]interface{}{"step": float64(i)},
			CreatedAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, repo.Append(ctx, &repository.AuditRecord{
		ID: "audit-other", Action: "migration.started", ResourceType: "migration", ResourceID: "bob", CreatedAt: base,
	}))

	records, err := repo.ListByResource(ctx, "migration", "alice", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "migration.completed", records[0].Action)
	require.Equal(t, "migration.stage", records[1].Action)
	require.Equal(t, float64(1), records[1].Details["step"])
}
