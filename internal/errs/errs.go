// Package errs defines the error kinds surfaced by the session engine.
//
// Every error carries a Kind, a human message and a recovery hint so that a
// transport can relay a suggestion ("resume or start a new session") without
// parsing message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindSessionNotFound   Kind = "session_not_found"
	KindSessionLocked     Kind = "session_locked"
	KindInvalidTransition Kind = "invalid_transition"
	KindNoRollback        Kind = "no_rollback_available"
	KindSessionEnded      Kind = "session_ended"
	KindCorruptedData     Kind = "corrupted_data"
)

// Error is a classified engine error.
type Error struct {
	Kind      Kind
	Message   string
	Hint      string
	SessionID string
	// LockedBy is set for KindSessionLocked.
	LockedBy string
	// Stale reports whether a lock looked abandoned when the error was raised.
	Stale bool
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports a malformed command or event payload.
func Validation(format string, a ...any) error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, a...),
		Hint:    "fix the listed fields and retry",
	}
}

// NotFound reports an unknown session id.
func NotFound(sessionID string) error {
	return &Error{
		Kind:      KindSessionNotFound,
		Message:   fmt.Sprintf("session %q does not exist", sessionID),
		Hint:      "start a new session or resume an existing one",
		SessionID: sessionID,
	}
}

// NoActiveSession reports that a command arrived without a session to act on.
func NoActiveSession() error {
	return &Error{
		Kind:    KindSessionNotFound,
		Message: "no active session",
		Hint:    "start a new session or resume an existing one",
	}
}

// Locked reports a lock held by another holder.
func Locked(sessionID, lockedBy string, stale bool) error {
	hint := "wait for the holder to pause or end the session, then resume it"
	if stale {
		hint = fmt.Sprintf("the holder appears to be gone; run 'tdd session unlock %s' and resume", sessionID)
	}
	return &Error{
		Kind:      KindSessionLocked,
		Message:   fmt.Sprintf("session %q is locked by %q", sessionID, lockedBy),
		Hint:      hint,
		SessionID: sessionID,
		LockedBy:  lockedBy,
		Stale:     stale,
	}
}

// NotHeld reports a mutation attempted without holding the session lock.
func NotHeld(sessionID string) error {
	return &Error{
		Kind:      KindSessionLocked,
		Message:   fmt.Sprintf("session %q is not held by this process", sessionID),
		Hint:      "resume the session before changing it",
		SessionID: sessionID,
	}
}

// InvalidTransition reports an illegal forward phase move.
func InvalidTransition(from, to, reason string) error {
	return &Error{
		Kind:    KindInvalidTransition,
		Message: fmt.Sprintf("invalid transition from %q to %q: %s", from, to, reason),
		Hint:    "call get_current_state to see the allowed next phase",
	}
}

// NoRollback reports that nothing precedes the current phase.
func NoRollback(phase string, cycle int) error {
	return &Error{
		Kind:    KindNoRollback,
		Message: fmt.Sprintf("cannot rollback from %s in cycle %d: no earlier phase recorded", phase, cycle),
		Hint:    "continue with next_phase instead",
	}
}

// Ended reports a mutation attempted after the session ended.
func Ended(sessionID string) error {
	return &Error{
		Kind:      KindSessionEnded,
		Message:   fmt.Sprintf("session %q has ended", sessionID),
		Hint:      "start a new session",
		SessionID: sessionID,
	}
}

// Corrupted reports stored data that fails schema or replay validation.
func Corrupted(sessionID, reason string, cause error) error {
	return &Error{
		Kind:      KindCorruptedData,
		Message:   fmt.Sprintf("session %q data is corrupted: %s", sessionID, reason),
		Hint:      "inspect the session record; it cannot be replayed as stored",
		SessionID: sessionID,
		Err:       cause,
	}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// HintOf returns the recovery hint attached to err.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
