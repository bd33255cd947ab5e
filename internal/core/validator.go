package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"creditgate/internal/types"
)

// maxUserIDLength bounds the user identifiers accepted on the path and in
// webhook payloads.
const maxUserIDLength = 128

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the gateway's custom tags:
//
//	feature  non-blank feature name
//	user_id  non-blank identifier without whitespace or slashes
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON names so clients see the field they sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	for tag, fn := range map[string]validator.Func{
		"feature": validateFeature,
		"user_id": validateUserID,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			logger.Error("failed to register validation tag", "tag", tag, "error", err)
		}
	}

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s and returns an AppError whose code comes from
// the first failed field. Every failure is listed under
// details["validation_errors"].
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("validator rejected input type", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "invalid validation target", err)
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, toValidationError(fe))
	}

	first := out[0]
	return types.NewAppError(types.ErrorCode(first.Code), first.Message, err).
		WithDetails(map[string]any{"validation_errors": out})
}

// ValidateUserID checks a raw identifier taken from the URL path. Path
// parameters never pass through ValidateStruct, so handlers call this before
// asking the registry for an engine.
func (v *Validator) ValidateUserID(userID string) error {
	if !isValidUserID(userID) {
		return types.NewAppError(types.ErrCodeValidationInvalidUserID, "user id is malformed", nil)
	}
	return nil
}

// toValidationError maps a validator tag to the error code clients switch on.
// Unknown tags fall back to validation_failed.
func toValidationError(fe validator.FieldError) ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationMissingField),
			Message: field + " is required",
		}
	case "oneof":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidKind),
			Message: field + " must be one of: " + fe.Param(),
		}
	case "user_id":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidUserID),
			Message: field + " is malformed",
		}
	case "feature":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationFailed),
			Message: field + " must name a feature",
		}
	default:
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationFailed),
			Message: field + " failed " + fe.Tag() + " validation",
		}
	}
}

func validateFeature(fl validator.FieldLevel) bool {
	return types.ParseFeature(fl.Field().String()) != ""
}

func validateUserID(fl validator.FieldLevel) bool {
	return isValidUserID(fl.Field().String())
}

// isValidUserID rejects slashes so an identifier cannot escape its path
// segment, and whitespace so it survives log lines unquoted.
func isValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLength {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n/")
}
