package types

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned for a missing or invalid credential. The connection is closed.
	ErrAuthentication = errors.New("authentication failed")
	// ErrAuthorization is returned when acting on a room or call one does not belong to.
	ErrAuthorization = errors.New("not authorized")
	// ErrValidation is returned for malformed payloads, negative points or unknown types.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for unknown rooms, call sessions and users.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable is returned once retries against the storage backend are exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const (
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeAuthorization  = "authorization_error"
	ErrorCodeValidation     = "validation_error"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeStorage        = "storage_unavailable"
	ErrorCodeInternal       = "internal_error"
)

// ErrorCode maps err onto the wire error code sent back to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return ErrorCodeAuthentication
	case errors.Is(err, ErrAuthorization):
		return ErrorCodeAuthorization
	case errors.Is(err, ErrValidation):
		return ErrorCodeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return ErrorCodeStorage
	}
	return ErrorCodeInternal
}

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Authorizationf wraps ErrAuthorization with a formatted detail message.
func Authorizationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
