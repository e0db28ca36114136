// Package regerr defines the error-kind taxonomy shared by the catalog,
// visibility, registry, store and lifecycle packages, so that the
// transport layer can map a failure to a status code by kind instead of
// by matching error strings.
package regerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for status-code mapping and retry policy.
type Kind string

const (
	NotFound               Kind = "not_found"
	Duplicate              Kind = "duplicate"
	Invalid                Kind = "invalid"
	Forbidden              Kind = "forbidden"
	ForbiddenPublicImage   Kind = "forbidden_public_image"
	NotAuthorized          Kind = "not_authorized"
	ProtectedImageDelete   Kind = "protected_image_delete"
	StoreDeleteNotSupported Kind = "store_delete_not_supported"
	ClientConnectionError  Kind = "client_connection_error"
	InvalidSortKey         Kind = "invalid_sort_key"
	InvalidFilterRangeValue Kind = "invalid_filter_range_value"
	BadRequest             Kind = "bad_request"
)

// Error is a regerr-classified failure. Message is safe to return to a
// client; Kind drives status-code mapping in the transport layer.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, returning "" if err is not a regerr
// Error or does not wrap one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
