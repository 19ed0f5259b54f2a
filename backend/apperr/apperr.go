// Package apperr defines the error kinds shared by every layer of the service.
// Each kind has a stable machine-readable name that is returned to API clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category
type Kind string

const (
	KindInvalidFileType    Kind = "invalid_file_type"
	KindEmptyUpload        Kind = "empty_upload"
	KindInvalidRequest     Kind = "invalid_request"
	KindPathEscape         Kind = "path_escape"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindSpawn              Kind = "spawn_failed"
	KindTimeout            Kind = "timeout"
	KindNoArtifacts        Kind = "no_artifacts_produced"
	KindConversionFailed   Kind = "conversion_failed"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindInternal           Kind = "internal"
)

// Error carries a kind, a client-safe message and an optional cause.
// Message must never contain filesystem paths; Err may, and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Message returns the client-safe message for err
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
