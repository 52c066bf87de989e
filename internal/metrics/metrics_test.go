package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	"unitmover.io/unitmover/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func TestCollector_CountsEvents(t *testing.T) {
	ctx := context.Background()
	d := domain.NewEventDispatcher()
	c := NewCollector()
	c.Subscribe(d)

	publish := func(typ domain.EventType, p domain.MigrationPayload) {
		d.Publish(ctx, typ, domain.AggregateMigration, p.Subject, "system", p)
	}
	publish(domain.EventMigrationStarted, domain.MigrationPayload{Subject: "alice", To: domain.MigrationExporting})
	publish(domain.EventMigrationStageChanged, domain.MigrationPayload{Subject: "alice", To: domain.MigrationCreating})
	publish(domain.EventMigrationCompleted, domain.MigrationPayload{Subject: "alice", To: domain.MigrationCompleted})
	publish(domain.EventMigrationStarted, domain.MigrationPayload{Subject: "bob", To: domain.MigrationExporting})
	publish(domain.EventMigrationFailed, domain.MigrationPayload{Subject: "bob", To: domain.MigrationFailed, ErrorKind: "VERIFY_FAILED"})
	d.Publish(ctx, domain.EventHandoffCompensated, domain.AggregateUnit, "unit-0001", "system", domain.HandoffPayload{UnitID: "unit-0001"})
	d.Publish(ctx, domain.EventReserveLow, domain.AggregateReserve, "reserve", "system", domain.ReservePayload{Balance: 400, MinThreshold: 1000})

	require.Equal(t, float64(2), testutil.ToFloat64(c.started))
	require.Equal(t, float64(1), testutil.ToFloat64(c.completed))
	require.Equal(t, float64(1), testutil.ToFloat64(c.failed.WithLabelValues("VERIFY_FAILED")))
	require.Equal(t, float64(1), testutil.ToFloat64(c.stages.WithLabelValues(string(domain.MigrationCreating))))
	require.Equal(t, float64(400), testutil.ToFloat64(c.reserve))

	stats := c.Snapshot()
	require.Equal(t, 2, stats.Started)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, map[string]int{"VERIFY_FAILED": 1}, stats.FailedByKind)
	require.Equal(t, 1, stats.Compensated)
	require.Equal(t, 1, stats.ReserveLow)

	stats.FailedByKind["VERIFY_FAILED"] = 99
	require.Equal(t, 1, c.Snapshot().FailedByKind["VERIFY_FAILED"])
}

func TestHandler_ServesRegistry(t *testing.T) {
	c := NewCollector()
	c.started.Inc()
	reg := NewRegistry(c)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "unitmover_migrations_started_total 1"))
}
