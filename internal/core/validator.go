package core

import (
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"portalsync/internal/types"
)

// Validator wraps go-playground/validator for request body validation.
// A single instance is shared across requests; the underlying validator
// caches struct metadata and is safe for concurrent use.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// ValidateStruct validates a request struct against its validate tags and
// returns a validation-classed AppError describing the first failure, or nil.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(validationErrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid request body", err)
	}

	first := validationErrs[0]
	field := strings.ToLower(first.Field())
	details := map[string]any{"field": field, "rule": first.Tag()}

	switch first.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationMissingField,
			"missing required field: "+field,
			err,
			details,
		)
	case "email":
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidEmail,
			"invalid email address",
			err,
			details,
		)
	default:
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidJSON,
			"invalid value for field: "+field,
			err,
			details,
		)
	}
}
