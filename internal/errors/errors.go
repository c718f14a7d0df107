// Package errors provides the typed service errors returned across the API.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine readable error identifier.
type ErrorCode string

const (
	ErrCodeBadRequest        ErrorCode = "BAD_REQUEST"
	ErrCodeValidation        ErrorCode = "VALIDATION_FAILED"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenReused       ErrorCode = "TOKEN_REUSED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeCartBusy          ErrorCode = "CART_BUSY"
	ErrCodeInProgress        ErrorCode = "REQUEST_IN_PROGRESS"
	ErrCodeInsufficientStock ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP mapping and optional structured details.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches any ServiceError carrying the same code, so callers can write
// errors.Is(err, errors.NotFound("", "")).
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	clone := *e
	clone.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return newError(ErrCodeBadRequest, http.StatusBadRequest, message, nil)
}

func Validation(field, message string) *ServiceError {
	e := newError(ErrCodeValidation, http.StatusBadRequest, message, nil)
	if field != "" {
		e.Details = map[string]interface{}{"field": field}
	}
	return e
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Authentication required"
	}
	return newError(ErrCodeUnauthorized, http.StatusUnauthorized, message, nil)
}

func InvalidToken(err error) *ServiceError {
	return newError(ErrCodeInvalidToken, http.StatusUnauthorized, "Invalid or expired token", err)
}

func TokenReused() *ServiceError {
	return newError(ErrCodeTokenReused, http.StatusUnauthorized, "Refresh token was already used; session revoked", nil)
}

func Forbidden(message string) *ServiceError {
	if message == "" {
		message = "Access denied"
	}
	return newError(ErrCodeForbidden, http.StatusForbidden, message, nil)
}

// NotFound builds a not-found error for a resource. id may be empty.
func NotFound(resource, id string) *ServiceError {
	msg := "Resource not found"
	if resource != "" {
		msg = resource + " not found"
	}
	e := newError(ErrCodeNotFound, http.StatusNotFound, msg, nil)
	if id != "" {
		e.Details = map[string]interface{}{"id": id}
	}
	return e
}

func Conflict(message string) *ServiceError {
	return newError(ErrCodeConflict, http.StatusConflict, message, nil)
}

// CartBusy is returned when a cart transaction kept failing on lock
// contention and the retry budget is exhausted.
func CartBusy(attempts int, err error) *ServiceError {
	e := newError(ErrCodeCartBusy, http.StatusConflict, "Cart is being modified concurrently, please try again", err)
	e.Details = map[string]interface{}{"attempts": attempts}
	return e
}

func InProgress() *ServiceError {
	return newError(ErrCodeInProgress, http.StatusConflict, "An identical request is still being processed", nil)
}

func InsufficientStock(productID string, available int) *ServiceError {
	e := newError(ErrCodeInsufficientStock, http.StatusConflict, "Not enough stock for product", nil)
	e.Details = map[string]interface{}{"product_id": productID, "available": available}
	return e
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	e := newError(ErrCodeRateLimitExceeded, http.StatusTooManyRequests, "Rate limit exceeded", nil)
	e.Details = map[string]interface{}{"limit": limit, "window": window}
	return e
}

func Internal(message string, err error) *ServiceError {
	if message == "" {
		message = "Internal server error"
	}
	return newError(ErrCodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError extracts a ServiceError from an error chain, or nil.
func GetServiceError(err error) *ServiceError {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries a ServiceError with the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
