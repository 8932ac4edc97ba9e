package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrSendInFlight    = errors.New("a message is already being sent")
	ErrClosed          = errors.New("session closed")
	// ErrMalformedResponse marks a 2xx response whose body could not be understood.
	ErrMalformedResponse = errors.New("malformed response body")

	// Kind sentinels; a *Error matches the sentinel of its Kind under errors.Is.
	ErrValidation          = errors.New("validation error")
	ErrAuthentication      = errors.New("authentication error")
	ErrNetwork             = errors.New("network error")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrServer              = errors.New("server error")
)

// ErrorKind classifies failures crossing the session boundary.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindAuthentication      ErrorKind = "authentication"
	KindNetwork             ErrorKind = "network"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindServer              ErrorKind = "server"
	KindNotFound            ErrorKind = "not_found"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindAuthentication:
		return ErrAuthentication
	case KindNetwork:
		return ErrNetwork
	case KindInsufficientCredits:
		return ErrInsufficientCredits
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrServer
	}
}

// Error is a classified failure. Op names the operation ("balance", "chat.stream", ...),
// Status carries the HTTP status when one was received.
type Error struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return msg
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Op, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }

// NewError builds a classified error.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf reports the kind of err. Unclassified errors are treated as server errors,
// context errors are not special-cased here.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidArgument):
		return KindValidation
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindServer
}

// Message returns the server-provided message of a classified error, if any.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return ""
}
