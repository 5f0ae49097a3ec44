package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All components MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField      ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidTimezone   ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidHour       ErrorCode = "validation_invalid_send_hour"
	ErrCodeValidationInvalidEmail      ErrorCode = "validation_invalid_email"
	ErrCodeValidationInvalidJob        ErrorCode = "validation_invalid_job"
	ErrCodeValidationInvalidBody       ErrorCode = "validation_invalid_request_body"
	ErrCodeValidationInvalidPreference ErrorCode = "validation_invalid_preference"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Limits (429)
	ErrCodeRateLimit      ErrorCode = "rate_limit_exceeded"
	ErrCodeCooldownActive ErrorCode = "limit_cooldown_active"

	// Not Found (404)
	ErrCodeNotFoundUser         ErrorCode = "not_found_user"
	ErrCodeNotFoundJob          ErrorCode = "not_found_job"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictJobState   ErrorCode = "conflict_job_state"
	ErrCodeConflictDuplicate  ErrorCode = "conflict_duplicate_delivery"

	// Permanent delivery failures. Never retried.
	ErrCodePermanentUserDeleted ErrorCode = "permanent_user_deleted"
	ErrCodePermanentBadContent  ErrorCode = "permanent_invalid_content"
	ErrCodeEmailBlocked         ErrorCode = "email_blocked"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamComposer      ErrorCode = "upstream_composer_unavailable"
	ErrCodeUpstreamEmailProvider ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout       ErrorCode = "upstream_timeout"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case s == string(ErrCodeRateLimit), s == string(ErrCodeCooldownActive):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "permanent_"), s == string(ErrCodeEmailBlocked):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsPermanent reports whether a failure carrying this code must not be retried.
func (c ErrorCode) IsPermanent() bool {
	s := string(c)
	return strings.HasPrefix(s, "permanent_") ||
		strings.HasPrefix(s, "validation_") ||
		c == ErrCodeEmailBlocked ||
		c == ErrCodeNotFoundUser
}

// AppError is the standard application error type used throughout the engine.
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

// CodeOf extracts the ErrorCode from the first AppError in the chain.
// Returns an empty code when err carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
