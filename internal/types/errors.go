package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and engine components use these instead of
// hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidJSON   ErrorCode = "validation_invalid_json"
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidKind   ErrorCode = "validation_invalid_product_kind"
	ErrCodeValidationInvalidUserID ErrorCode = "validation_invalid_user_id"
	ErrCodeValidationFailed        ErrorCode = "validation_failed"

	// Auth (401)
	ErrCodeAuthTokenMissing     ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid     ErrorCode = "auth_token_invalid"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Entitlement outcomes
	ErrCodeQuotaExhausted      ErrorCode = "quota_exhausted"
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"

	// Purchase (402/409/503)
	ErrCodeCatalogUnavailable ErrorCode = "catalog_unavailable"
	ErrCodePurchaseFailed     ErrorCode = "purchase_failed"
	ErrCodePurchaseCancelled  ErrorCode = "purchase_cancelled"

	// Bookkeeping; logged, never surfaced to access callers.
	ErrCodeSyncDegraded        ErrorCode = "sync_degraded"
	ErrCodeBackendNotifyFailed ErrorCode = "backend_notify_failed"

	// Not Found (404)
	ErrCodeNotFoundUser ErrorCode = "not_found_user"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB                  ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected          ErrorCode = "internal_unexpected_error"
	ErrCodeInternalInvalidSnapshot     ErrorCode = "internal_invalid_snapshot"
	ErrCodeUpstreamPlatformUnavailable ErrorCode = "upstream_platform_unavailable"
	ErrCodeUpstreamLedgerUnavailable   ErrorCode = "upstream_ledger_unavailable"
	ErrCodeUpstreamUnavailable         ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited         ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case c == ErrCodeQuotaExhausted, c == ErrCodeInsufficientCredits:
		return http.StatusPaymentRequired
	case c == ErrCodePurchaseFailed:
		return http.StatusPaymentRequired
	case c == ErrCodePurchaseCancelled:
		return http.StatusConflict
	case c == ErrCodeCatalogUnavailable:
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard error type used throughout the engine and the
// gateway. It carries a code for HTTP mapping and supports error chains.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Sentinel errors returned by the platform and ledger clients. Callers compare
// with errors.Is; the clients wrap them in AppErrors with matching codes.
var (
	// ErrPurchaseCancelled signals an explicit user cancellation.
	ErrPurchaseCancelled = NewAppError(ErrCodePurchaseCancelled, "purchase cancelled by user", nil)

	// ErrInsufficientCredits signals the ledger refused a debit that would
	// overdraw the balance.
	ErrInsufficientCredits = NewAppError(ErrCodeInsufficientCredits, "insufficient credits", nil)
)

// Is makes errors.Is match two AppErrors by code, so wrapped copies of the
// sentinels above still compare equal.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
