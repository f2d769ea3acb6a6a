package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing engine errors. Handlers and
// the API layer use these constants instead of hardcoded strings.
type ErrorCode string

const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationBadTimeline   ErrorCode = "validation_invalid_timeline"
	ErrCodeValidationBadRecurrence ErrorCode = "validation_invalid_recurrence"
	ErrCodeValidationEmptyReason   ErrorCode = "validation_empty_rejection_reason"

	// Invalid state (409)
	ErrCodeInvalidStateNotPending    ErrorCode = "invalid_state_not_pending"
	ErrCodeInvalidStateDecided       ErrorCode = "invalid_state_already_decided"
	ErrCodeInvalidStateNotFailed     ErrorCode = "invalid_state_not_failed"
	ErrCodeInvalidStateStepNotFailed ErrorCode = "invalid_state_step_not_failed"
	ErrCodeInvalidStateRunning       ErrorCode = "invalid_state_in_progress"

	// Not found (404)
	ErrCodeNotFoundAction   ErrorCode = "not_found_action"
	ErrCodeNotFoundStep     ErrorCode = "not_found_step"
	ErrCodeNotFoundTemplate ErrorCode = "not_found_template"

	// Execution-time failures: recorded in step logs, never propagated to
	// the scheduler loop.
	ErrCodeStepHandler   ErrorCode = "step_handler_failed"
	ErrCodeStepTimeout   ErrorCode = "step_timeout"
	ErrCodeConfigUnknown ErrorCode = "configuration_unknown_step"

	// Infrastructure (500)
	ErrCodeInternalDB ErrorCode = "internal_database_error"
)

// HTTPStatus maps an ErrorCode to its HTTP status by prefix. Unrecognized
// codes map to 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "invalid_state_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard error type across the engine. Validation and
// invalid-state errors are returned synchronously to API callers; step and
// configuration errors are written into step logs by the executor.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func (e *AppError) HTTPStatus() int { return e.Code.HTTPStatus() }

// NewAppError creates an AppError with the given code, message and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Errf is the fmt.Errorf-flavored constructor for leaf errors.
func Errf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}
