// Package apperr defines the error taxonomy shared by the session, lock, cipher and vault
// components, and translates it into protocol error codes for the dispatch layer.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Callers branch on Kind, never on message text.
type Kind string

const (
	SessionNotFound      Kind = "SessionNotFound"
	SessionExpired       Kind = "SessionExpired"
	SessionLocked        Kind = "SessionLocked"
	SessionNotLocked     Kind = "SessionNotLocked"
	InvalidLock          Kind = "InvalidLock"
	AuthenticationFailed Kind = "AuthenticationFailed"
	AuthorizationFailed  Kind = "AuthorizationFailed"
	IntegrityViolation   Kind = "IntegrityViolation"
	StalePolicyRejection Kind = "StalePolicyRejection"
	KdfUnsupported       Kind = "KdfUnsupported"
	InternalError        Kind = "InternalError"
)

// Error is the structured failure returned across every public boundary.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "lock.AcquireLock"
	Message string
	Err     error // underlying cause; may be nil
}

// New returns an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap returns an Error of the given kind with err as its cause.
func Wrap(kind Kind, op string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so errors.Is(err, apperr.New(k, "", ""))
// and errors.Is(err, apperr.SessionLocked.Err()) both match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Recoverable reports whether a caller may retry the operation (possibly after backoff or re-authentication).
// Lock contention is always recoverable; corrupt or tampered data never is.
func (e *Error) Recoverable() bool {
	if e == nil {
		return false
	}
	return e.Kind.Recoverable()
}

// Recoverable reports whether failures of this kind may succeed on retry.
func (k Kind) Recoverable() bool {
	switch k {
	case SessionLocked, SessionNotLocked, InvalidLock, SessionExpired, AuthenticationFailed:
		return true
	case IntegrityViolation, KdfUnsupported, StalePolicyRejection, AuthorizationFailed, SessionNotFound, InternalError:
		return false
	default:
		return false
	}
}

// Err returns a bare sentinel of this kind for use with errors.Is.
func (k Kind) Err() error { return &Error{Kind: k} }

// KindOf returns the Kind carried by err, InternalError for any other non-nil error, and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Recover converts a panic in the calling method into an InternalError assigned to *errp.
// It must be deferred directly: defer apperr.Recover("vault.StoreAccessToken", &err).
func Recover(op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	var cause error
	switch v := r.(type) {
	case error:
		cause = v
	default:
		cause = fmt.Errorf("%v", v)
	}
	if errp != nil {
		*errp = &Error{Kind: InternalError, Op: op, Message: "unexpected failure: " + cause.Error(), Err: cause}
	}
}

// Internal wraps an unexpected error as InternalError unless it already carries a Kind.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(InternalError, op, err)
}
