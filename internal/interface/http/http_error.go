package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/yanqian/ragserver/pkg/errors"
)

// HTTPError captures the metadata required to serialize an error response
// consistently.
type HTTPError struct {
	Status      int
	Type        string
	Code        string
	Message     string
	Details     map[string]any
	Suggestions []string
	Err         error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// NewHTTPError is a helper to build an HTTPError instance.
func NewHTTPError(status int, code, message string, err error) *HTTPError {
	return &HTTPError{Status: status, Type: typeForStatus(status), Code: code, Message: message, Err: err}
}

// statusForKind fixes the error-kind to HTTP status mapping.
func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindGone:
		return http.StatusGone
	case apperrors.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperrors.KindRateLimited:
		return http.StatusTooManyRequests
	case apperrors.KindBusy, apperrors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func typeForStatus(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 400:
		return "request_error"
	default:
		return "error"
	}
}

func asHTTPError(err error) *HTTPError {
	if err == nil {
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := statusForKind(appErr.Kind)
		return &HTTPError{
			Status:      status,
			Type:        typeForStatus(status),
			Code:        appErr.Code,
			Message:     appErr.Message,
			Details:     appErr.Details,
			Suggestions: appErr.Suggestions,
			Err:         appErr,
		}
	}
	return &HTTPError{
		Status:  http.StatusInternalServerError,
		Type:    "server_error",
		Code:    "internal_error",
		Message: "something went wrong",
		Err:     err,
	}
}

// envelope renders the shared error shape.
func envelope(c *gin.Context, httpErr *HTTPError) gin.H {
	body := gin.H{
		"type":       httpErr.Type,
		"code":       httpErr.Code,
		"message":    httpErr.Message,
		"request_id": requestID(c),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if len(httpErr.Details) > 0 {
		body["details"] = httpErr.Details
	}
	if len(httpErr.Suggestions) > 0 {
		body["suggestions"] = httpErr.Suggestions
	}
	return gin.H{"error": body}
}

func abortWithError(c *gin.Context, err *HTTPError) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// abortWithDomainError converts a service error before aborting.
func abortWithDomainError(c *gin.Context, err error) {
	abortWithError(c, asHTTPError(err))
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
