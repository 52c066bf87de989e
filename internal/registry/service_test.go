package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewRegistryRepository(nil))

	entry, err := svc.Register(ctx, "unit-1", "alice")
	require.NoError(t, err)
	require.Equal(t, domain.UnitCreating, entry.Status)

	again, err := svc.Register(ctx, "unit-1", "alice")
	require.NoError(t, err, "re-registering the same unit is idempotent")
	require.Equal(t, "unit-1", again.UnitID)

	_, err = svc.Register(ctx, "unit-2", "alice")
	require.True(t, apperrors.IsCode(err, apperrors.CodeConflict))

	_, err = svc.Register(ctx, "", "bob")
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	_, err = svc.CompletedUnitID(ctx, "alice")
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound), "not completed yet")

	_, err = svc.AddCredits(ctx, "unit-1", 5000)
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, "unit-1", domain.UnitCompleted)
	require.NoError(t, err)

	unitID, err := svc.CompletedUnitID(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "unit-1", unitID)

	_, err = svc.AddCredits(ctx, "unit-1", 1)
	require.True(t, apperrors.IsCode(err, apperrors.CodeConflict), "credits frozen at completion")

	got, err := svc.Get(ctx, "unit-1")
	require.NoError(t, err)
	require.EqualValues(t, 5000, got.CreditsConsumed)

	completed, err := svc.ListByStatus(ctx, domain.UnitCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
}

func TestService_Errors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewRegistryRepository(nil))

	_, err := svc.Get(ctx, "missing")
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	_, err = svc.SetStatus(ctx, "missing", domain.UnitFailed)
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

	_, err = svc.SetStatus(ctx, "missing", "BOGUS")
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	_, err = svc.ListByStatus(ctx, "BOGUS")
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	entry, err := svc.GetByOwner(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, entry)
}
