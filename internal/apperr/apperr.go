// Package apperr defines the error taxonomy shared by the rider core.
//
// Every error that leaves a core component is either one of the sentinel kinds below or an
// *Error wrapping one of them, so callers branch with errors.Is and read the user-facing text
// with UserMessage.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is a client-side pre-flight failure. No request was sent.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is a backend rejection caused by a state race, e.g. the bike was taken.
	ErrConflict = errors.New("conflict")
	// ErrNotAuthenticated is a 401. It is the only kind with a global side effect (logout).
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	// ErrInsufficientFunds and ErrNoCardLinked are matched from backend message text.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoCardLinked      = errors.New("no transit card linked")
	ErrSerialMismatch    = errors.New("serial number mismatch")
	// ErrPaymentFailed is a normalised card-provider failure.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrNetwork is a generic transport, parse or unclassified backend failure.
	ErrNetwork = errors.New("network error")
)

// Error is the standardised shape thrown by the core: status, user-facing message and the
// raw backend message.
type Error struct {
	Kind        error
	Status      int
	UserMessage string
	RawMessage  string
}

func (e *Error) Error() string {
	if e.RawMessage != "" {
		return fmt.Sprintf("%v (status %d): %s", e.Kind, e.Status, e.RawMessage)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%v (status %d)", e.Kind, e.Status)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Validation builds a client-side validation error.
func Validation(msg string) error {
	return &Error{Kind: ErrValidation, UserMessage: msg}
}

// Reclassify returns a copy of err with a different kind and user message, keeping the
// status and raw backend message. Non-*Error values are wrapped.
func Reclassify(err error, kind error, userMessage string) error {
	var e *Error
	if errors.As(err, &e) {
		c := *e
		c.Kind = kind
		if userMessage != "" {
			c.UserMessage = userMessage
		}
		return &c
	}
	return &Error{Kind: kind, UserMessage: userMessage, RawMessage: err.Error()}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	if e, ok := As(err); ok {
		return e.Status
	}
	return 0
}

// Raw returns the raw backend message carried by err, or "".
func Raw(err error) string {
	if e, ok := As(err); ok {
		return e.RawMessage
	}
	return ""
}

// UserMessage returns the user-facing message carried by err, or "".
func UserMessage(err error) string {
	if e, ok := As(err); ok {
		return e.UserMessage
	}
	return ""
}
