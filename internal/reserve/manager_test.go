package reserve

import (
	"context"
	"sync"
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

var admin = domain.Caller{ID: "ops", Admin: true}

func newManager(t *testing.T, balance, threshold uint64) (*Manager, *[]domain.ReservePayload) {
	t.Helper()
	events := domain.NewEventDispatcher()
	var low []domain.ReservePayload
	var mu sync.Mutex
	events.Register(domain.EventReserveLow, func(ctx context.Context, e *domain.DomainEvent) error {
		var p domain.ReservePayload
		require.NoError(t, e.Decode(&p))
		mu.Lock()
		low = append(low, p)
		mu.Unlock()
		return nil
	})
	m := NewManager(memory.NewReserveRepository(nil), events)
	require.NoError(t, m.Ensure(context.Background(), balance, threshold))
	return m, &low
}

func TestPreflightAndConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("debits when covered", func(t *testing.T) {
		m, low := newManager(t, 10000, 1000)
		status, err := m.PreflightAndConsume(ctx, 5000)
		require.NoError(t, err)
		require.EqualValues(t, 5000, status.Balance)
		require.EqualValues(t, 5000, status.TotalConsumedLifetime)
		require.Empty(t, *low)
	})

	t.Run("below threshold fails fast", func(t *testing.T) {
		m, _ := newManager(t, 500, 1000)
		_, err := m.PreflightAndConsume(ctx, 100)
		require.True(t, apperrors.IsCode(err, apperrors.CodeReserveInsufficient))

		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		require.Equal(t, uint64(100), appErr.Params["required"])
		require.Equal(t, uint64(500), appErr.Params["available"])

		status, err := m.Status(ctx, admin)
		require.NoError(t, err)
		require.EqualValues(t, 500, status.Balance, "refusal never mutates balance")
	})

	t.Run("alerts when debit crosses threshold", func(t *testing.T) {
		m, low := newManager(t, 6000, 1000)
		status, err := m.PreflightAndConsume(ctx, 5500)
		require.NoError(t, err)
		require.EqualValues(t, 500, status.Balance)
		require.Len(t, *low, 1)
		require.EqualValues(t, 500, (*low)[0].Balance)
	})

	t.Run("zero rejected", func(t *testing.T) {
		m, _ := newManager(t, 10000, 0)
		_, err := m.PreflightAndConsume(ctx, 0)
		require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))
	})
}

func TestPreflightAndConsume_Atomic(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t, 10000, 1000)

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.PreflightAndConsume(ctx, 6000)
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case apperrors.IsCode(err, apperrors.CodeReserveInsufficient):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, insufficient)

	status, err := m.Status(ctx, admin)
	require.NoError(t, err)
	require.EqualValues(t, 4000, status.Balance)
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	m, low := newManager(t, 2000, 1000)

	tests := []struct {
		name     string
		caller   domain.Caller
		wantCode string
	}{
		{"unauthenticated", domain.Caller{}, apperrors.CodeAuthFailed},
		{"non-admin", domain.Caller{ID: "alice"}, apperrors.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.TopUp(ctx, tt.caller, 100)
			require.True(t, apperrors.IsCode(err, tt.wantCode), "TopUp: %v", err)
			_, err = m.SetThreshold(ctx, tt.caller, 100)
			require.True(t, apperrors.IsCode(err, tt.wantCode), "SetThreshold: %v", err)
			_, err = m.Status(ctx, tt.caller)
			require.True(t, apperrors.IsCode(err, tt.wantCode), "Status: %v", err)
		})
	}

	status, err := m.TopUp(ctx, admin, 8000)
	require.NoError(t, err)
	require.EqualValues(t, 10000, status.Balance)

	_, err = m.TopUp(ctx, admin, 0)
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	status, err = m.SetThreshold(ctx, admin, 20000)
	require.NoError(t, err)
	require.EqualValues(t, 20000, status.MinThreshold)
	require.Len(t, *low, 1, "raising the threshold above the balance alerts")

	_, err = m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, *low, 2)
}
