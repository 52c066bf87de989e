package errors

import (
	"fmt"
	"net/http"
)

// Error codes are stable; clients match on them for retry logic.
// Messages are English and meant for operators.

// Orchestrator error codes.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeMigrationDisabled   = "MIGRATION_DISABLED"
	CodeReserveInsufficient = "RESERVE_INSUFFICIENT"
	CodeCreateFailed        = "CREATE_FAILED"
	CodeInstallFailed       = "INSTALL_FAILED"
	CodeImportFailed        = "IMPORT_FAILED"
	CodeVerifyFailed        = "VERIFY_FAILED"
	CodeHandoffFailed       = "HANDOFF_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL"
	CodeConflict            = "CONFLICT"
	CodeResetRejected       = "RESET_REJECTED"
)

// Transfer protocol error codes.
const (
	CodeChunkTooLarge       = "CHUNK_TOO_LARGE"
	CodeChunkHashMismatch   = "CHUNK_HASH_MISMATCH"
	CodeChunkConflict       = "CHUNK_CONFLICT"
	CodeSessionOverflow     = "SESSION_OVERFLOW"
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeItemIncomplete      = "ITEM_INCOMPLETE"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeTransferUnavailable = "TRANSFER_UNAVAILABLE"
)

// Provider error codes.
const (
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeUnitNotFound        = "UNIT_NOT_FOUND"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
	CodeForbidden    = "FORBIDDEN"
)

// Verification failure kinds, carried in the "kind" param of VERIFY_FAILED.
const (
	VerifyKindItemsFailed         = "items_failed"
	VerifyKindItemsMissing        = "items_missing"
	VerifyKindVersionIncompatible = "version_incompatible"
	VerifyKindUnhealthy           = "unhealthy"
)

// ErrUnauthorizedCaller is returned when the caller is neither the subject
// nor an administrator.
func ErrUnauthorizedCaller(caller, subject string) *AppError {
	return Forbidden(CodeUnauthorized, "caller may not act on this subject").
		WithParams(map[string]interface{}{"caller": caller, "subject": subject})
}

// ErrMigrationDisabled is returned while the feature toggle is off.
func ErrMigrationDisabled() *AppError {
	return New(CodeMigrationDisabled, "migration is disabled", http.StatusServiceUnavailable)
}

// ErrReserveInsufficient reports a failed preflight against the reserve.
func ErrReserveInsufficient(required, available uint64) *AppError {
	return New(CodeReserveInsufficient, "resource reserve cannot fund a new unit", http.StatusPaymentRequired).
		WithParams(map[string]interface{}{"required": required, "available": available})
}

// ErrCreateFailed wraps a provisioning failure.
func ErrCreateFailed(err error) *AppError {
	return Wrap(err, CodeCreateFailed, "unit creation failed", http.StatusBadGateway)
}

// ErrInstallFailed wraps an image installation failure.
func ErrInstallFailed(unitID string, err error) *AppError {
	return Wrap(err, CodeInstallFailed, "image installation failed", http.StatusBadGateway).
		WithParams(map[string]interface{}{"unit_id": unitID})
}

// ErrImportFailed wraps a transfer failure for one item. itemID may be empty
// when the failure concerns the whole session.
func ErrImportFailed(itemID string, err error) *AppError {
	appErr := Wrap(err, CodeImportFailed, "data import failed", http.StatusBadGateway)
	if itemID != "" {
		appErr.WithParams(map[string]interface{}{"item_id": itemID})
	}
	return appErr
}

// ErrVerifyFailed reports a verification gate rejection.
func ErrVerifyFailed(kind, reason, itemID string) *AppError {
	params := map[string]interface{}{"kind": kind, "reason": reason}
	if itemID != "" {
		params["item_id"] = itemID
	}
	return New(CodeVerifyFailed, "verification failed: "+reason, http.StatusUnprocessableEntity).
		WithParams(params)
}

// ErrHandoffFailed reports an exhausted controller handoff.
func ErrHandoffFailed(unitID string, err error) *AppError {
	return Wrap(err, CodeHandoffFailed, "controller handoff failed", http.StatusBadGateway).
		WithParams(map[string]interface{}{"unit_id": unitID})
}

// ErrMigrationNotFound reports an unknown subject.
func ErrMigrationNotFound(subject string) *AppError {
	return NotFound(CodeNotFound, "no migration for subject").
		WithParams(map[string]interface{}{"subject": subject})
}

// ErrUnitNotFound reports an unknown unit or owner.
func ErrUnitNotFound(key string) *AppError {
	return NotFound(CodeNotFound, "unit not found").
		WithParams(map[string]interface{}{"key": key})
}

// ErrInternalf wraps an unexpected failure.
func ErrInternalf(err error, format string, args ...interface{}) *AppError {
	return Wrap(err, CodeInternal, fmt.Sprintf(format, args...), http.StatusInternalServerError)
}

// ErrVersionConflict reports a lost optimistic concurrency race.
func ErrVersionConflict(key string) *AppError {
	return Wrap(ErrConflict, CodeConflict, "record was modified concurrently", http.StatusConflict).
		WithParams(map[string]interface{}{"key": key})
}

// ErrChunkTooLarge rejects a chunk above the configured maximum.
func ErrChunkTooLarge(size, max int) *AppError {
	return BadRequest(CodeChunkTooLarge, "chunk exceeds maximum size").
		WithParams(map[string]interface{}{"size": size, "max": max})
}

// ErrChunkHashMismatch rejects a chunk whose bytes do not hash to the
// supplied chunk hash.
func ErrChunkHashMismatch(itemID string, index uint32) *AppError {
	return BadRequest(CodeChunkHashMismatch, "chunk hash does not match chunk bytes").
		WithParams(map[string]interface{}{"item_id": itemID, "chunk_index": index})
}

// ErrChunkConflict rejects different bytes at an already received index.
func ErrChunkConflict(itemID string, index uint32) *AppError {
	return Conflict(CodeChunkConflict, "chunk already received with different content").
		WithParams(map[string]interface{}{"item_id": itemID, "chunk_index": index})
}

// ErrSessionOverflow rejects a chunk that would exceed the declared total.
func ErrSessionOverflow(received, declared uint64) *AppError {
	return BadRequest(CodeSessionOverflow, "chunk would exceed declared session size").
		WithParams(map[string]interface{}{"bytes_received": received, "expected_total_bytes": declared})
}

// ErrSessionNotFound reports an unknown or expired session.
func ErrSessionNotFound(sessionID string) *AppError {
	return NotFound(CodeSessionNotFound, "transfer session not found").
		WithParams(map[string]interface{}{"session_id": sessionID})
}

// ErrItemIncomplete rejects a commit while chunks are still missing.
func ErrItemIncomplete(itemID string, missing int) *AppError {
	return Conflict(CodeItemIncomplete, "item has missing chunks").
		WithParams(map[string]interface{}{"item_id": itemID, "missing_chunks": missing})
}

// ErrInvalidArgument rejects malformed input.
func ErrInvalidArgument(message string) *AppError {
	return BadRequest(CodeInvalidArgument, message)
}

// ErrTransferUnavailable wraps a transport failure talking to a
// destination. It is retryable.
func ErrTransferUnavailable(err error) *AppError {
	return Wrap(err, CodeTransferUnavailable, "destination unreachable", http.StatusServiceUnavailable)
}

// ErrProviderUnavailable wraps a transient provisioning authority failure.
func ErrProviderUnavailable(op string, err error) *AppError {
	return Wrap(err, CodeProviderUnavailable, "provisioning authority unavailable", http.StatusServiceUnavailable).
		WithParams(map[string]interface{}{"op": op})
}

// ErrProviderUnitNotFound reports a unit the provisioning authority does
// not know.
func ErrProviderUnitNotFound(unitID string) *AppError {
	return NotFound(CodeUnitNotFound, "unit not found at provider").
		WithParams(map[string]interface{}{"unit_id": unitID})
}

// ErrAdminRequired rejects an administrative operation. An empty caller
// is unauthenticated (401); any other non-admin is forbidden (403).
func ErrAdminRequired(callerID string) *AppError {
	if callerID == "" {
		return Unauthorized(CodeAuthFailed, "authentication required")
	}
	return Forbidden(CodeForbidden, "administrator role required").
		WithParams(map[string]interface{}{"caller": callerID})
}

// ErrResetRejected refuses a reset once the owner holds the unit.
func ErrResetRejected(subject string, status string) *AppError {
	return Conflict(CodeResetRejected, "migration cannot be reset after handoff").
		WithParams(map[string]interface{}{"subject": subject, "status": status})
}
