package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string for categorizing application errors.
// All components MUST use these constants instead of hardcoded strings.
type ErrorCode string

const (
	// Validation
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidSeries   ErrorCode = "validation_invalid_series_kind"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"

	// Not found
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundProfile      ErrorCode = "not_found_recipient_profile"
	ErrCodeNotFoundAttempt      ErrorCode = "not_found_delivery_attempt"

	// Conflict
	ErrCodeConflictClaimLost    ErrorCode = "conflict_claim_lost"
	ErrCodeConflictSubscription ErrorCode = "conflict_subscription_exists"

	// Upstream dependencies
	ErrCodeUpstreamEmailProvider    ErrorCode = "upstream_email_provider_unavailable"
	ErrCodeUpstreamContentGenerator ErrorCode = "upstream_content_generator_unavailable"
	ErrCodeUpstreamRateLimited      ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout          ErrorCode = "upstream_timeout"

	// RecipientBlocked marks a permanent provider rejection (suppression
	// list, invalid address). Retrying cannot succeed.
	ErrCodeRecipientBlocked ErrorCode = "recipient_blocked"

	// Internal
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// AppError is the standard application error carrying a typed code, a
// human-readable message, and an optional wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewAppError constructs an AppError wrapping the given cause (which may be nil).
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As chains.
func (e *AppError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed.
// Returns ErrCodeInternalUnexpected for non-AppError values.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsCode reports whether err carries the given ErrorCode.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsPermanentSendError reports whether err represents a provider rejection
// that retrying cannot fix. The dispatch worker and retry sweeper use this
// to short-circuit to permanently_failed instead of burning retries.
func IsPermanentSendError(err error) bool {
	return IsCode(err, ErrCodeRecipientBlocked)
}
