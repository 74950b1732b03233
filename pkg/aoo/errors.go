package aoo

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy from spec.md §7. Library calls return a
// *Error carrying one of these so callers can dispatch without string
// matching, the way the teacher layers sentinel errors over generic ones
// in server/internal/store.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadArgument
	KindBadFormat
	KindNotFound
	KindAlreadyExists
	KindWrongPassword
	KindNotPermitted
	KindUnhandledRequest
	KindCannotCreateGroup
	KindCannotCreateUser
	KindUserAlreadyExists
	KindOutOfMemory
	KindSocket
	KindNotResponding
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindBadArgument:
		return "bad_argument"
	case KindBadFormat:
		return "bad_format"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindWrongPassword:
		return "wrong_password"
	case KindNotPermitted:
		return "not_permitted"
	case KindUnhandledRequest:
		return "unhandled_request"
	case KindCannotCreateGroup:
		return "cannot_create_group"
	case KindCannotCreateUser:
		return "cannot_create_user"
	case KindUserAlreadyExists:
		return "user_already_exists"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindSocket:
		return "socket"
	case KindNotResponding:
		return "not_responding"
	case KindNotImplemented:
		return "not_implemented"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this module's public APIs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error of the given kind. Use %w in msg's formatting
// is not supported here (Msg is plain text); wrap an existing error with
// Wrap instead.
func NewError(kind Kind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...)}
}

// Wrap annotates err with a Kind and message, matching the corpus's
// fmt.Errorf("...: %w", err) idiom but preserving the Kind for dispatch.
func Wrap(kind Kind, err error, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...), Err: err}
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
