// Package txn provides resource-agnostic transaction propagation and
// completion management in Go
package txn

import "time"

// TimeoutDefault leaves the transaction timeout unspecified: the manager
// default applies, or no timeout if the manager has none.
const TimeoutDefault time.Duration = 0

// Propagation defines how transactions are propagated
type Propagation int

const (
	// PropagationRequired - Support a current transaction; create a new one if none exists
	PropagationRequired Propagation = iota

	// PropagationSupports - Support a current transaction; execute non-transactionally if none exists
	PropagationSupports

	// PropagationMandatory - Support a current transaction; fail if no current transaction exists
	PropagationMandatory

	// PropagationRequiresNew - Create a new transaction, suspending the current transaction if one exists
	PropagationRequiresNew

	// PropagationNotSupported - Do not support a current transaction; suspend it and execute non-transactionally
	PropagationNotSupported

	// PropagationNever - Do not support a current transaction; fail if a current transaction exists
	PropagationNever

	// PropagationNested - Execute within a nested transaction if a current transaction exists,
	// otherwise behave like PropagationRequired
	PropagationNested
)

// String returns the name of the propagation behavior
func (p Propagation) String() string {
	switch p {
	case PropagationRequired:
		return "REQUIRED"
	case PropagationSupports:
		return "SUPPORTS"
	case PropagationMandatory:
		return "MANDATORY"
	case PropagationRequiresNew:
		return "REQUIRES_NEW"
	case PropagationNotSupported:
		return "NOT_SUPPORTED"
	case PropagationNever:
		return "NEVER"
	case PropagationNested:
		return "NESTED"
	default:
		return "UNKNOWN"
	}
}

// Isolation defines the isolation level for transactions
type Isolation int

const (
	// IsolationDefault - Use the default isolation level of the underlying resource
	IsolationDefault Isolation = iota

	// IsolationReadUncommitted - Dirty reads, non-repeatable reads and phantom reads can occur
	IsolationReadUncommitted

	// IsolationReadCommitted - Dirty reads are prevented; non-repeatable reads and phantom reads can occur
	IsolationReadCommitted

	// IsolationRepeatableRead - Dirty reads and non-repeatable reads are prevented; phantom reads can occur
	IsolationRepeatableRead

	// IsolationSerializable - Dirty reads, non-repeatable reads, and phantom reads are prevented
	IsolationSerializable
)

// String returns the name of the isolation level
func (i Isolation) String() string {
	switch i {
	case IsolationDefault:
		return "DEFAULT"
	case IsolationReadUncommitted:
		return "READ_UNCOMMITTED"
	case IsolationReadCommitted:
		return "READ_COMMITTED"
	case IsolationRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// Definition describes the transactional semantics requested from
// Manager.GetTransaction. Definitions are read by the engine and never
// modified, so a single Definition may be shared between calls.
//
// The zero value requests PropagationRequired with default isolation, no
// timeout and read-write access.
type Definition struct {
	// Propagation controls how the call relates to an existing transaction.
	Propagation Propagation

	// Isolation is the requested isolation level. IsolationDefault leaves
	// the choice to the underlying resource.
	Isolation Isolation

	// Timeout bounds the transaction. TimeoutDefault (zero) means
	// unspecified, in which case the manager default applies. Negative
	// timeouts are rejected.
	Timeout time.Duration

	// ReadOnly marks the transaction as read-only. Adapters may use the
	// hint to optimize resource access.
	ReadOnly bool

	// Name is the diagnostic name reported in logs and carried by the
	// ambient scope. When empty the manager assigns a generated name.
	Name string
}
