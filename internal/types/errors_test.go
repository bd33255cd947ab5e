package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppErrorImplementsError(t *testing.T) {
	var _ error = (*AppError)(nil)
}

// TestAppErrorErrorFormat verifies Error() renders "code: message".
func TestAppErrorErrorFormat(t *testing.T) {
	appErr := &AppError{
		Code:    ErrCodeValidationInvalidUserID,
		Message: "user ID must not contain whitespace",
	}

	expected := "validation_invalid_user_id: user ID must not contain whitespace"
	if appErr.Error() != expected {
		t.Errorf("Error() = %q, want %q", appErr.Error(), expected)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	underlying := errors.New("database connection failed")
	appErr := NewAppError(ErrCodeInternalDB, "failed to load quota", underlying)

	if appErr.Unwrap() != underlying {
		t.Errorf("Unwrap() = %v, want %v", appErr.Unwrap(), underlying)
	}
	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should find the underlying error through Unwrap")
	}

	bare := NewAppError(ErrCodeNotFoundUser, "user not found", nil)
	if bare.Unwrap() != nil {
		t.Errorf("Unwrap() should return nil when Err is nil, got %v", bare.Unwrap())
	}
}

func TestAppErrorErrorsAs(t *testing.T) {
	appErr := NewAppError(ErrCodeAuthTokenInvalid, "bad key", nil)
	wrappedErr := fmt.Errorf("handler failed: %w", appErr)

	var target *AppError
	if !errors.As(wrappedErr, &target) {
		t.Fatal("errors.As should find AppError in the chain")
	}
	if target.Code != ErrCodeAuthTokenInvalid {
		t.Errorf("extracted Code = %q, want %q", target.Code, ErrCodeAuthTokenInvalid)
	}
}

// TestAppErrorIsMatchesByCode covers the sentinel comparison used by the
// platform and ledger clients.
func TestAppErrorIsMatchesByCode(t *testing.T) {
	wrapped := NewAppError(ErrCodePurchaseCancelled, "user closed the sheet", errors.New("platform: cancelled"))
	if !errors.Is(wrapped, ErrPurchaseCancelled) {
		t.Error("AppErrors with the same code should match")
	}
	if errors.Is(wrapped, ErrInsufficientCredits) {
		t.Error("AppErrors with different codes should not match")
	}
	if !errors.Is(fmt.Errorf("spend: %w", ErrInsufficientCredits), ErrInsufficientCredits) {
		t.Error("wrapped sentinel should match itself")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewAppError(ErrCodeCatalogUnavailable, "no products", nil))
	if !HasCode(err, ErrCodeCatalogUnavailable) {
		t.Error("HasCode should see through wrapping")
	}
	if HasCode(err, ErrCodePurchaseFailed) {
		t.Error("HasCode matched the wrong code")
	}
	if HasCode(errors.New("plain"), ErrCodeCatalogUnavailable) {
		t.Error("HasCode matched a non-AppError")
	}
}

func TestNewAppErrorWithDetails(t *testing.T) {
	appErr := NewAppErrorWithDetails(
		ErrCodeValidationFailed,
		"invalid feature",
		nil,
		map[string]any{"field": "feature", "value": ""},
	)

	if appErr.Code != ErrCodeValidationFailed {
		t.Errorf("Code = %q, want %q", appErr.Code, ErrCodeValidationFailed)
	}
	if appErr.Details["field"] != "feature" {
		t.Errorf(`Details["field"] = %v, want "feature"`, appErr.Details["field"])
	}
}

// TestAppErrorWithDetails verifies WithDetails copies and merges without
// mutating the receiver.
func TestAppErrorWithDetails(t *testing.T) {
	original := NewAppErrorWithDetails(
		ErrCodeValidationMissingField,
		"field is required",
		nil,
		map[string]any{"field": "kind", "value": 1},
	)

	enhanced := original.WithDetails(map[string]any{
		"value":      2,
		"suggestion": "one of subscription_monthly, subscription_yearly, credit_pack",
	})

	if _, ok := original.Details["suggestion"]; ok {
		t.Error("WithDetails should not mutate the original error")
	}
	if enhanced.Details["field"] != "kind" {
		t.Errorf("enhanced should retain original detail: field = %v", enhanced.Details["field"])
	}
	if enhanced.Details["value"] != 2 {
		t.Errorf("WithDetails should overwrite existing key: value = %v", enhanced.Details["value"])
	}
	if enhanced.Code != original.Code || enhanced.Message != original.Message {
		t.Error("Code and Message should carry over")
	}

	fromBare := NewAppError(ErrCodeNotFoundUser, "not found", nil).WithDetails(map[string]any{"id": "usr_1"})
	if fromBare.Details["id"] != "usr_1" {
		t.Errorf("WithDetails on nil original should work: id = %v", fromBare.Details["id"])
	}
}

func TestErrorCodeHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeValidationInvalidKind, http.StatusBadRequest},
		{ErrCodeValidationInvalidUserID, http.StatusBadRequest},
		{ErrCodeValidationFailed, http.StatusBadRequest},

		{ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{ErrCodeAuthSignatureInvalid, http.StatusUnauthorized},

		{ErrCodeQuotaExhausted, http.StatusPaymentRequired},
		{ErrCodeInsufficientCredits, http.StatusPaymentRequired},
		{ErrCodePurchaseFailed, http.StatusPaymentRequired},
		{ErrCodePurchaseCancelled, http.StatusConflict},
		{ErrCodeCatalogUnavailable, http.StatusServiceUnavailable},

		{ErrCodeNotFoundUser, http.StatusNotFound},

		{ErrCodeSyncDegraded, http.StatusInternalServerError},
		{ErrCodeBackendNotifyFailed, http.StatusInternalServerError},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrCodeInternalInvalidSnapshot, http.StatusInternalServerError},

		{ErrCodeUpstreamPlatformUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamLedgerUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrCodeUpstreamRateLimited, http.StatusBadGateway},

		{ErrorCode("totally_unknown_error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("ErrorCode(%q).HTTPStatus() = %d, want %d", tt.code, got, tt.wantStatus)
			}
		})
	}

	if got := NewAppError(ErrCodeNotFoundUser, "x", nil).HTTPStatus(); got != http.StatusNotFound {
		t.Errorf("AppError.HTTPStatus() = %d, want %d", got, http.StatusNotFound)
	}
}

// TestErrorCodeWireValues pins the codes clients switch on.
func TestErrorCodeWireValues(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected string
	}{
		{ErrCodeValidationInvalidJSON, "validation_invalid_json"},
		{ErrCodeValidationMissingField, "validation_missing_required_field"},
		{ErrCodeValidationInvalidKind, "validation_invalid_product_kind"},
		{ErrCodeAuthTokenMissing, "auth_token_missing"},
		{ErrCodeQuotaExhausted, "quota_exhausted"},
		{ErrCodeInsufficientCredits, "insufficient_credits"},
		{ErrCodeCatalogUnavailable, "catalog_unavailable"},
		{ErrCodeBackendNotifyFailed, "backend_notify_failed"},
		{ErrCodeUpstreamPlatformUnavailable, "upstream_platform_unavailable"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.expected {
			t.Errorf("ErrorCode constant has value %q, want %q", string(tt.code), tt.expected)
		}
	}
}

func TestAppErrorFmtStringer(t *testing.T) {
	appErr := NewAppError(ErrCodeQuotaExhausted, "daily free use spent", nil)
	result := fmt.Sprintf("got error: %v", appErr)
	expected := "got error: quota_exhausted: daily free use spent"
	if result != expected {
		t.Errorf("fmt.Sprintf(\"%%v\") = %q, want %q", result, expected)
	}
}
