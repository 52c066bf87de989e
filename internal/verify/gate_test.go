package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"unitmover.io/unitmover/internal/domain"
	apperrors "unitmover.io/unitmover/internal/pkg/errors"
	"unitmover.io/unitmover/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type stubBackend struct {
	version    string
	versionErr error
	healthErr  error
	probes     int
}

func (s *stubBackend) InterfaceVersion(context.Context, string) (string, error) {
	return s.version, s.versionErr
}

func (s *stubBackend) HealthCheck(context.Context, string) error {
	s.probes++
	return s.healthErr
}

func kindOf(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok, "want AppError, got %v", err)
	require.Equal(t, apperrors.CodeVerifyFailed, appErr.Code)
	return appErr.Params["kind"].(string)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		reported string
		ok       bool
	}{
		{"v1.2.0", true},
		{"v1.3.1", true},
		{"v1.1.9", false},
		{"v2.0.0", false},
		{"v0.9.0", false},
		{"1.2.0", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.reported, func(t *testing.T) {
			err := CheckVersion("v1.2.0", tt.reported)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Equal(t, apperrors.VerifyKindVersionIncompatible, kindOf(t, err))
		})
	}
}

func TestGate_Verify(t *testing.T) {
	ctx := context.Background()
	clean := domain.TransferSummary{ItemsCommitted: 2, TotalBytes: 10}

	t.Run("passes", func(t *testing.T) {
		b := &stubBackend{version: "v1.2.3"}
		require.NoError(t, NewGate(b, "v1.2.0").Verify(ctx, "unit-1", clean))
		require.Equal(t, 1, b.probes)
	})

	t.Run("failed item blocks before probing", func(t *testing.T) {
		b := &stubBackend{version: "v1.2.3"}
		summary := domain.TransferSummary{ItemsCommitted: 1, ItemsFailed: 1, FailedItems: []string{"m2"}}
		err := NewGate(b, "v1.2.0").Verify(ctx, "unit-1", summary)
		require.Equal(t, apperrors.VerifyKindItemsFailed, kindOf(t, err))
		appErr, _ := apperrors.IsAppError(err)
		require.Equal(t, "m2", appErr.Params["item_id"])
		require.Zero(t, b.probes)
	})

	t.Run("missing items", func(t *testing.T) {
		err := NewGate(&stubBackend{version: "v1.2.0"}, "v1.2.0").
			Verify(ctx, "unit-1", domain.TransferSummary{ItemsCommitted: 1, ItemsMissing: 1})
		require.Equal(t, apperrors.VerifyKindItemsMissing, kindOf(t, err))
	})

	t.Run("incompatible version", func(t *testing.T) {
		b := &stubBackend{version: "v2.0.0"}
		err := NewGate(b, "v1.2.0").Verify(ctx, "unit-1", clean)
		require.Equal(t, apperrors.VerifyKindVersionIncompatible, kindOf(t, err))
		require.Zero(t, b.probes)
	})

	t.Run("version unavailable", func(t *testing.T) {
		err := NewGate(&stubBackend{versionErr: errors.New("timeout")}, "v1.2.0").Verify(ctx, "unit-1", clean)
		require.Equal(t, apperrors.VerifyKindUnhealthy, kindOf(t, err))
	})

	t.Run("unhealthy", func(t *testing.T) {
		err := NewGate(&stubBackend{version: "v1.2.0", healthErr: errors.New("down")}, "v1.2.0").Verify(ctx, "unit-1", clean)
		require.Equal(t, apperrors.VerifyKindUnhealthy, kindOf(t, err))
	})
}
