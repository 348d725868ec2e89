package service

import (
	"errors"
	"fmt"

	"github.com/guidebazaar/studlyff-sub000/db"
)

// Kind classifies service failures. The server maps each kind to exactly
// one HTTP status.
type Kind string

const (
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindConflict         Kind = "CONFLICT"
	KindNotFound         Kind = "NOT_FOUND"
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
)

// Error is returned by every Graph and Channel operation. Message is safe
// to show to callers; Cause is for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == ""
}

func invalidArg(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" if err is not a service error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// fromStore translates store errors. Anything that is not a known outcome
// becomes StoreUnavailable with a generic message.
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrRequestExists):
		return &Error{Kind: KindConflict, Message: "a connection request between these users is already pending", Cause: err}
	case errors.Is(err, db.ErrAlreadyConnected):
		return &Error{Kind: KindConflict, Message: "users are already connected", Cause: err}
	case errors.Is(err, db.ErrRequestNotFound):
		return &Error{Kind: KindNotFound, Message: "connection request not found", Cause: err}
	default:
		return &Error{Kind: KindStoreUnavailable, Message: "record store unavailable", Cause: err}
	}
}
