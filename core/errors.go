package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// Kind classifies every failure the client surfaces to a user.
type Kind uint8

const (
	KindValidation   Kind = iota + 1 // client-side precondition failed, nothing was sent
	KindChainSwitch                  // network switch rejected or failed
	KindInvalidState                 // wrong lifecycle state or wrong account
	KindSubmission                   // ledger rejected the transaction for another reason
	KindFetch                        // read failed in transport or decoding
	KindNotFound                     // referenced battle does not exist
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindChainSwitch:
		return "chain_switch"
	case KindInvalidState:
		return "invalid_state"
	case KindSubmission:
		return "submission"
	case KindFetch:
		return "fetch"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single error type of the taxonomy. Match it by kind with
// errors.Is(err, core.ErrInvalidState) and friends.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "acceptBattle"
	Msg  string
	// Recoverable marks conditions the user can simply retry or move on from,
	// such as another account accepting the battle first.
	Recoverable bool
	Err         error
}

// Sentinels for errors.Is matching. They carry only a Kind.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrChainSwitch    = &Error{Kind: KindChainSwitch}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrSubmission     = &Error{Kind: KindSubmission}
	ErrFetch          = &Error{Kind: KindFetch}
	ErrBattleNotFound = &Error{Kind: KindNotFound}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRecoverable reports whether err is marked recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Recoverable
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(op, format string, args ...any) *Error {
	return newError(KindValidation, op, format, args...)
}

func InvalidStatef(op, format string, args ...any) *Error {
	return newError(KindInvalidState, op, format, args...)
}

func NotFoundf(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

// Wrap attaches kind and op to a lower-level error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
