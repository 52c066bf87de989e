package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/pkg/logger"
	"unitmover.io/unitmover/internal/repository/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestLogger_SubscribeRecordsEvents(t *testing.T) {
	ctx := context.Background()
	l := NewLogger(memory.NewAuditRepository())
	d := domain.NewEventDispatcher()
	l.Subscribe(d)

	d.Publish(ctx, domain.EventMigrationStarted, domain.AggregateMigration, "alice", "alice",
		domain.MigrationPayload{Subject: "alice", From: domain.MigrationNotStarted, To: domain.MigrationExporting, Attempt: 1})
	d.Publish(ctx, domain.EventMigrationFailed, domain.AggregateMigration, "alice", "system",
		domain.MigrationPayload{Subject: "alice", From: domain.MigrationVerifying, To: domain.MigrationFailed, Attempt: 1, ErrorKind: "VERIFY_FAILED"})
	d.Publish(ctx, domain.EventReserveLow, domain.AggregateReserve, "reserve", "system",
		domain.ReservePayload{Balance: 10, MinThreshold: 1000})

	history, err := l.History(ctx, domain.AggregateMigration, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	actions := []string{history[0].Action, history[1].Action}
	require.ElementsMatch(t, []string{"migration.started", "migration.failed"}, actions)
	for _, rec := range history {
		require.NotEmpty(t, rec.ID)
		require.False(t, rec.CreatedAt.IsZero())
		if rec.Action == "migration.failed" {
			require.Equal(t, "VERIFY_FAILED", rec.Details["error_kind"])
		}
	}

	reserve, err := l.History(ctx, domain.AggregateReserve, "reserve", 0)
	require.NoError(t, err)
	require.Len(t, reserve, 1)
	require.Equal(t, "reserve.low", reserve[0].Action)
}

func TestLogger_NilIsNoop(t *testing.T) {
	var l *Logger
	require.NoError(t, l.LogMigration(context.Background(), "started", "alice", "alice", nil))
}
