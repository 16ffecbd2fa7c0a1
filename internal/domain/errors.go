package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies upload failures. The value is also the "code" field of
// HTTP error bodies.
type ErrorKind string

const (
	// KindInvalidRequest covers malformed requests: missing fields, bad paths.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindInvalidRange means the chunk geometry disagrees with the session.
	KindInvalidRange ErrorKind = "invalid_range"
	// KindSizeMismatch means a chunk declared different session parameters.
	KindSizeMismatch ErrorKind = "size_mismatch"
	// KindStorage is a transient storage failure. Safe to retry.
	KindStorage ErrorKind = "storage_error"
	// KindConflict means the session state does not allow the operation.
	KindConflict ErrorKind = "conflict"
	// KindAssembly means finalization failed; the session is failed.
	KindAssembly ErrorKind = "assembly_error"
	// KindNotFound means no session exists for the path.
	KindNotFound ErrorKind = "not_found"
)

// Sentinels for errors.Is. Only the kind is compared.
var (
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	ErrInvalidRange   = &Error{Kind: KindInvalidRange}
	ErrSizeMismatch   = &Error{Kind: KindSizeMismatch}
	ErrStorage        = &Error{Kind: KindStorage}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrAssembly       = &Error{Kind: KindAssembly}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// Error is the error type returned by every upload operation.
type Error struct {
	Kind    ErrorKind
	Op      string
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether the client may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindStorage
}

// NewError builds an Error with a formatted message.
func NewError(kind ErrorKind, op, path, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError builds an Error around a cause.
func WrapError(kind ErrorKind, op, path string, err error, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Path:    path,
		Message: message,
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there
// is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a transient storage failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
