package txn

import (
	"errors"
	"fmt"
)

// Kind classifies the failures raised by the engine itself. Failures coming
// out of a resource adapter are never reclassified; they propagate to the
// caller unchanged.
type Kind int

const (
	// KindIllegalState - the engine was driven against its state contract
	KindIllegalState Kind = iota

	// KindInvalidTimeout - the definition carries a negative timeout
	KindInvalidTimeout

	// KindMandatoryViolation - PropagationMandatory found no existing transaction
	KindMandatoryViolation

	// KindNeverViolation - PropagationNever found an existing transaction
	KindNeverViolation

	// KindNestedUnsupported - PropagationNested requested but nested transactions
	// are disabled or unavailable
	KindNestedUnsupported

	// KindSavepointUnsupported - the transaction handle cannot manage savepoints
	KindSavepointUnsupported

	// KindSuspensionUnsupported - the adapter cannot suspend transactions
	KindSuspensionUnsupported

	// KindParticipationUnsupported - the adapter cannot mark an outer transaction
	// rollback-only on behalf of a participant
	KindParticipationUnsupported

	// KindUnexpectedRollback - commit was requested but the transaction had
	// already been marked rollback-only by a participant
	KindUnexpectedRollback

	// KindAlreadyCompleted - commit or rollback called more than once per status
	KindAlreadyCompleted
)

// String returns the name of the error kind
func (k Kind) String() string {
	switch k {
	case KindIllegalState:
		return "illegal state"
	case KindInvalidTimeout:
		return "invalid timeout"
	case KindMandatoryViolation:
		return "mandatory violation"
	case KindNeverViolation:
		return "never violation"
	case KindNestedUnsupported:
		return "nested unsupported"
	case KindSavepointUnsupported:
		return "savepoint unsupported"
	case KindSuspensionUnsupported:
		return "suspension unsupported"
	case KindParticipationUnsupported:
		return "participation unsupported"
	case KindUnexpectedRollback:
		return "unexpected rollback"
	case KindAlreadyCompleted:
		return "already completed"
	default:
		return "unknown"
	}
}

// Sentinel errors matching the engine error kinds. Every *Error raised by the
// engine matches exactly one of these under errors.Is, so callers can branch
// without keeping hold of the concrete type.
var (
	ErrIllegalState            = errors.New("illegal transaction state")
	ErrInvalidTimeout          = errors.New("invalid transaction timeout")
	ErrNoExistingTransaction   = errors.New("no existing transaction found")
	ErrExistingTransaction     = errors.New("existing transaction found")
	ErrNestedUnsupported       = errors.New("nested transactions not supported")
	ErrSavepointUnsupported    = errors.New("savepoints not supported by transaction")
	ErrSuspensionUnsupported   = errors.New("transaction suspension not supported")
	ErrRollbackOnlyUnsupported = errors.New("rollback-only marking not supported")
	ErrUnexpectedRollback      = errors.New("transaction unexpectedly rolled back")
	ErrAlreadyCompleted        = errors.New("transaction already completed")
)

// sentinel returns the package sentinel matching the kind
func (k Kind) sentinel() error {
	switch k {
	case KindIllegalState:
		return ErrIllegalState
	case KindInvalidTimeout:
		return ErrInvalidTimeout
	case KindMandatoryViolation:
		return ErrNoExistingTransaction
	case KindNeverViolation:
		return ErrExistingTransaction
	case KindNestedUnsupported:
		return ErrNestedUnsupported
	case KindSavepointUnsupported:
		return ErrSavepointUnsupported
	case KindSuspensionUnsupported:
		return ErrSuspensionUnsupported
	case KindParticipationUnsupported:
		return ErrRollbackOnlyUnsupported
	case KindUnexpectedRollback:
		return ErrUnexpectedRollback
	case KindAlreadyCompleted:
		return ErrAlreadyCompleted
	default:
		return nil
	}
}

// Error is the structured error raised by the engine for contract and state
// violations
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// NewError creates a new engine error of the given kind
func NewError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// errorf creates a new engine error with a formatted message
func errorf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.msg
	if msg == "" {
		msg = e.kind.String()
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Kind returns the classification of this error
func (e *Error) Kind() Kind {
	return e.kind
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether this error matches the sentinel for its kind
func (e *Error) Is(target error) bool {
	return target == e.kind.sentinel()
}

// KindOf returns the engine classification of err, if it carries one
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

// IsUnexpectedRollback reports whether err signals that a transaction was
// rolled back instead of committed because a participant marked it
// rollback-only
func IsUnexpectedRollback(err error) bool {
	return errors.Is(err, ErrUnexpectedRollback)
}

// IsAlreadyCompleted reports whether err signals a second completion attempt
// on the same transaction status
func IsAlreadyCompleted(err error) bool {
	return errors.Is(err, ErrAlreadyCompleted)
}
