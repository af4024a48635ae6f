// Package apperror carries the error taxonomy shared by the game, settlement
// and ledger layers. Every error has a Kind that decides how it is logged and
// which status the transport maps it to, and a Reason that is safe to show to
// clients.
package apperror

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindPersistence Kind = "persistence"
	KindInvariant   Kind = "invariant"
)

// Client-visible reason codes.
const (
	ReasonInvalidStake        = "invalid_stake"
	ReasonInvalidAutoCashout  = "invalid_auto_cashout"
	ReasonInvalidCrashValue   = "invalid_crash_value"
	ReasonInvalidRequest      = "invalid_request"
	ReasonInvalidAmount       = "invalid_amount"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonRoundNotActive      = "round_not_active"
	ReasonAlreadyPlaced       = "already_placed"
	ReasonAlreadySettled      = "already_settled"
	ReasonNoActiveBet         = "no_active_bet"
	ReasonMultiplierAhead     = "multiplier_ahead"
	ReasonSettlementPending   = "settlement_pending"
	ReasonNotFound            = "not_found"
	ReasonInvariant           = "invariant_violation"
	ReasonInternal            = "internal"
)

type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(reason, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Conflict(reason, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonNotFound, Message: fmt.Sprintf(format, args...)}
}

func Invariant(format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Reason: ReasonInvariant, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a storage failure. The message is internal; clients only
// ever see the reason.
func Persistence(err error, format string, args ...any) *Error {
	return &Error{Kind: KindPersistence, Reason: ReasonSettlementPending, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the client-visible reason for err. Unknown errors map to
// ReasonInternal so that no internal detail escapes.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return ReasonInternal
}

// PublicMessage returns a message that is safe to expose externally.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindPersistence {
		return "internal error, please retry"
	}
	return e.Message
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
