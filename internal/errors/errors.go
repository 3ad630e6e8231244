package errors

import (
	"errors"
	"fmt"
)

// This package defines a centralized set of sentinel errors for the application.
// Services return these (usually wrapped with context) and the API layer uses
// `errors.Is()` to map them to HTTP responses.

var (
	// ErrNotFound signifies that a requested resource could not be located:
	// a chat, node, parent, provider or model.
	// This is typically mapped to a 404 Not Found HTTP status.
	ErrNotFound = errors.New("resource not found")

	// ErrValidation signifies that input data provided by a client failed
	// business rule validation.
	// This is typically mapped to a 400 Bad Request HTTP status.
	ErrValidation = errors.New("validation failed")

	// ErrConflict signifies that an operation could not be completed because
	// it conflicts with the current state of a resource.
	// This is typically mapped to a 409 Conflict HTTP status.
	ErrConflict = errors.New("resource conflict")

	// ErrPermission signifies that the caller is not allowed to perform the action.
	// This is typically mapped to a 403 Forbidden HTTP status.
	ErrPermission = errors.New("permission denied")

	// ErrInternal signifies an unexpected error on the server.
	// This is typically mapped to a 500 Internal Server Error HTTP status.
	ErrInternal = errors.New("internal server error")

	// ErrInvalidPath signifies that a path was requested through a chat that has
	// no messages at all. A path that is merely truncated is not an error.
	ErrInvalidPath = errors.New("invalid path")

	// ErrProvider signifies a transport, auth or vendor-reported failure of a
	// language model backend. Use ProviderError to carry the vendor message.
	ErrProvider = errors.New("provider error")

	// ErrCancelled signifies that a generation was abandoned by its caller.
	ErrCancelled = errors.New("generation cancelled")

	// ErrPersistence signifies a failed read or write against the store.
	ErrPersistence = errors.New("persistence error")
)

var (
	// ErrAlreadyHasRoot is returned when a root is created for a chat that already has one.
	ErrAlreadyHasRoot = fmt.Errorf("%w: chat already has a root message", ErrConflict)

	// ErrNoSuchSibling is returned when selecting an ordinal the parent does not have.
	ErrNoSuchSibling = fmt.Errorf("%w: no such sibling", ErrNotFound)

	// ErrNodeBusy is returned when a node is claimed by a running generation.
	ErrNodeBusy = fmt.Errorf("%w: message is being generated", ErrConflict)
)

// ProviderError carries a backend failure message verbatim.
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrProvider, e.Provider, e.Message)
}

// Is makes errors.Is(err, ErrProvider) match any ProviderError.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// NewProviderError builds a ProviderError from a backend error.
func NewProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Provider: provider, Message: err.Error()}
}

// Persistence wraps a store failure so it matches ErrPersistence.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
