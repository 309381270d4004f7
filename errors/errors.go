package errors

import (
	"errors"
	"fmt"
)

// Common error types for categorization and handling

var (
	// ErrInvalidInput indicates invalid local input (empty target column,
	// blank chat text, unsupported file type); rejected before any network call
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpload indicates a dataset or artifact upload failed remotely
	ErrUpload = errors.New("upload failed")

	// ErrTransport indicates the chat transport failed to deliver an exchange
	ErrTransport = errors.New("transport failure")

	// ErrCorruptState indicates malformed persisted session state; the store
	// self-heals by clearing the slot rather than surfacing this to users
	ErrCorruptState = errors.New("corrupt persisted state")

	// ErrCancelled indicates the caller cancelled an in-flight operation
	ErrCancelled = errors.New("operation cancelled")

	// ErrSessionNotFound indicates the remote service no longer knows the session
	ErrSessionNotFound = errors.New("session not found")

	// ErrServiceUnavailable indicates the analysis service is unreachable
	ErrServiceUnavailable = errors.New("service unavailable")
)

// WrapError wraps an error with context message and stack
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapErrorf wraps an error with formatted context message
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// IsInvalidInput checks if error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsUpload checks if error is an upload failure
func IsUpload(err error) bool {
	return errors.Is(err, ErrUpload)
}

// IsTransport checks if error is a transport failure
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsCancelled checks if error is a cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsSessionNotFound checks if error is a missing remote session
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsServiceUnavailable checks if error is a service unavailable error
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
