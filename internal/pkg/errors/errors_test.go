package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New("UNIT_NOT_FOUND", "unit not found", http.StatusNotFound),
			want: "UNIT_NOT_FOUND: unit not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), "DB_ERROR", "database failure", http.StatusInternalServerError),
			want: "DB_ERROR: database failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NotFound("NOT_FOUND", "resource not found")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != "NOT_FOUND" {
		t.Errorf("Code = %q, want NOT_FOUND", got.Code)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Unauthorized", Unauthorized("UA", "unauthorized"), http.StatusUnauthorized},
		{"Forbidden", Forbidden("FB", "forbidden"), http.StatusForbidden},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", fmt.Errorf("boom"), CodeInternal},
		{"app error", ErrMigrationDisabled(), CodeMigrationDisabled},
		{"wrapped app error", fmt.Errorf("step: %w", ErrReserveInsufficient(5000, 500)), CodeReserveInsufficient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaxonomyParams(t *testing.T) {
	reserve := ErrReserveInsufficient(6000, 4000)
	if reserve.Params["required"] != uint64(6000) || reserve.Params["available"] != uint64(4000) {
		t.Errorf("reserve params = %v", reserve.Params)
	}

	verify := ErrVerifyFailed(VerifyKindItemsFailed, "hash mismatch", "m2")
	if verify.Params["item_id"] != "m2" || verify.Params["kind"] != VerifyKindItemsFailed {
		t.Errorf("verify params = %v", verify.Params)
	}
	if _, ok := ErrVerifyFailed(VerifyKindUnhealthy, "probe failed", "").Params["item_id"]; ok {
		t.Error("item_id should be omitted when empty")
	}

	handoff := ErrHandoffFailed("unit-1", fmt.Errorf("timeout"))
	if handoff.Params["unit_id"] != "unit-1" {
		t.Errorf("handoff params = %v", handoff.Params)
	}

	imp := ErrImportFailed("m1", fmt.Errorf("reset"))
	if imp.Params["item_id"] != "m1" {
		t.Errorf("import params = %v", imp.Params)
	}
}

func TestConflictUnwrapsSentinel(t *testing.T) {
	err := fmt.Errorf("save: %w", ErrVersionConflict("alice"))
	if !errors.Is(err, ErrConflict) {
		t.Error("errors.Is(ErrConflict) should match version conflict")
	}
	if !IsCode(err, CodeConflict) {
		t.Error("IsCode(CONFLICT) should match")
	}
}

func TestRetryable(t *testing.T) {
	if !Unavailable(CodeProviderUnavailable, "down").Retryable() {
		t.Error("503 errors should be retryable")
	}
	if ErrChunkConflict("m1", 2).Retryable() {
		t.Error("conflicts should not be retryable")
	}
}
