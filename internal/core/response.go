package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"creditgate/internal/types"
)

// maxRequestBodySize caps request bodies. Every request this API accepts is
// a feature name or a product kind, so 64 KB is generous.
const maxRequestBodySize = 64 << 10

// retryAfter holds the Retry-After hint, in seconds, sent with errors a
// client may retry on its own. The mobile client backs off on these instead
// of surfacing an error.
var retryAfter = map[types.ErrorCode]int{
	types.ErrCodeCatalogUnavailable:          30,
	types.ErrCodeUpstreamPlatformUnavailable: 5,
	types.ErrCodeUpstreamLedgerUnavailable:   5,
	types.ErrCodeUpstreamUnavailable:         5,
	types.ErrCodeUpstreamRateLimited:         10,
}

// APIResponse is the standard envelope for all successful API responses.
// Data carries a snapshot, a decision or a purchase result.
type APIResponse struct {
	Data any `json:"data"`
}

// APIErrorResponse is the standard envelope for all error API responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned to clients.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes a JSON response with the given status code and data.
// It sets the Content-Type header, marshals the data, and writes the response.
// If marshalling fails, it falls back to a 500 error response.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		// The encoder cannot fail on the fixed fallback envelope.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fallback := APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		}
		_ = json.NewEncoder(w).Encode(fallback)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes an error response to the client. It inspects the error chain:
//   - If the error is (or wraps) a *types.AppError, its Code picks the HTTP
//     status and the envelope carries its Code, Message and Details.
//     Retryable upstream and catalog codes also get a Retry-After header.
//   - Any other error becomes a 500 with "internal_unexpected_error" and a
//     fixed message.
//
// Wrapped causes never reach the client. For 5xx responses the full chain
// is logged through the request logger instead, so the request id in the
// envelope leads straight to the cause.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logServerError(r, appErr.Code, err)
		}
		if secs, ok := retryAfter[appErr.Code]; ok {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		resp := APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		}
		JSON(w, r, status, resp)
		return
	}

	logServerError(r, types.ErrCodeInternalUnexpected, err)
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	}
	JSON(w, r, http.StatusInternalServerError, resp)
}

func logServerError(r *http.Request, code types.ErrorCode, err error) {
	if logger := types.LoggerFromContext(r.Context()); logger != nil {
		logger.Error("request failed", "code", code, "error", err)
	}
}

// DecodeJSON reads the request body into dst, enforcing:
//   - A maximum body size of 64 KB.
//   - DisallowUnknownFields, so a misspelled "feature" or "kind" is reported
//     instead of silently decoding to the zero value.
//
// It returns a *types.AppError with code "validation_invalid_json" (400) on:
//   - JSON syntax errors
//   - Unknown fields or mistyped values
//   - Body exceeding the size limit
//   - Empty body
//   - Body containing more than one JSON value
//
// Field-level rules (required, oneof) are the Validator's job and run after
// decoding.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	// Passing w lets the server close the connection once the limit is hit.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}

	// A well-formed body holds exactly one value.
	if dec.More() {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"request body must contain a single JSON object",
			nil,
		)
	}

	return nil
}

// mapDecodeError translates a json.Decoder error into a structured AppError.
// Type mismatches name the offending field in Details so the client can
// point at it.
func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"request body must not exceed 64KB",
			err,
		)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"malformed JSON in request body",
			err,
		)
	}

	var unmarshalTypeErr *json.UnmarshalTypeError
	if errors.As(err, &unmarshalTypeErr) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidJSON,
			"invalid value for field",
			err,
			map[string]any{
				"field":    unmarshalTypeErr.Field,
				"expected": unmarshalTypeErr.Type.String(),
			},
		)
	}

	// encoding/json has no typed error for DisallowUnknownFields.
	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"unknown field in request body: "+strings.TrimPrefix(err.Error(), "json: unknown field "),
			err,
		)
	}

	if errors.Is(err, io.EOF) {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"request body must not be empty",
			err,
		)
	}

	return types.NewAppError(
		types.ErrCodeValidationInvalidJSON,
		"invalid JSON in request body",
		err,
	)
}

