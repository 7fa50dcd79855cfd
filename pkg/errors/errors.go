package errors

import "errors"

// Kind classifies a failure independently of transport.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindGone            Kind = "gone"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindRateLimited     Kind = "rate_limited"
	KindBusy            Kind = "busy"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// AppError encodes domain specific error details.
type AppError struct {
	Kind        Kind
	Code        string
	Message     string
	Details     map[string]any
	Suggestions []string
	Err         error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New produces a new AppError instance.
func New(kind Kind, code, message string) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message}
}

// Wrap produces a new AppError instance around a cause.
func Wrap(kind Kind, code, message string, err error) error {
	return &AppError{Kind: kind, Code: code, Message: message, Err: err}
}

// WithDetails attaches structured context for the error envelope.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithSuggestions attaches remediation hints for the error envelope.
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = suggestions
	return e
}

// KindOf extracts the kind, defaulting to KindInternal for foreign errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsCode helps handler differentiate failures.
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the stable code, empty for foreign errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Retryable reports whether the failure is worth a retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindBusy, KindRateLimited:
		return true
	}
	return false
}
