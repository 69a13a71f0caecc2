package txn

import "context"

// Status represents the state of one GetTransaction call: the transaction
// handle it runs against, whether this call owns the transaction and its
// synchronization, the local rollback-only and completion markers, a held
// savepoint for nested execution and whatever was suspended to make room
// for this transaction.
//
// A Status is exclusively owned by the flow that obtained it and is NOT
// safe for concurrent use. Exactly one of Manager.Commit or Manager.Rollback
// must be called for every Status.
type Status struct {
	ctx   context.Context
	scope *Scope

	transaction        any
	name               string
	newTransaction     bool
	newSynchronization bool
	readOnly           bool
	debug              bool

	suspended    *suspendedResources
	rollbackOnly bool
	completed    bool
	savepoint    any
}

// Context returns the transactional context. All work belonging to this
// transaction must run with this context (or one derived from it) so that
// nested transactional calls observe the ambient scope.
func (st *Status) Context() context.Context {
	return st.ctx
}

// Transaction returns the opaque transaction handle, nil for a
// synchronization-only status
func (st *Status) Transaction() any {
	return st.transaction
}

// Name returns the diagnostic name the transaction was started with
func (st *Status) Name() string {
	return st.name
}

// HasTransaction reports whether an actual transaction handle is associated
// with this status
func (st *Status) HasTransaction() bool {
	return st.transaction != nil
}

// IsNewTransaction reports whether this status opened the transaction it
// runs against. Only a new transaction is physically committed or rolled
// back on completion.
func (st *Status) IsNewTransaction() bool {
	return st.transaction != nil && st.newTransaction
}

// ReadOnly reports whether the transaction was started read-only
func (st *Status) ReadOnly() bool {
	return st.readOnly
}

// SetRollbackOnly marks the status so the eventual commit call performs a
// silent rollback instead. The marker cannot be cleared.
func (st *Status) SetRollbackOnly() {
	st.rollbackOnly = true
}

// IsRollbackOnly reports whether the transaction is doomed, either through
// the local marker on this status or through a global marker on the
// underlying transaction
func (st *Status) IsRollbackOnly() bool {
	return st.isLocalRollbackOnly() || st.isGlobalRollbackOnly()
}

// isLocalRollbackOnly reports the marker set via SetRollbackOnly
func (st *Status) isLocalRollbackOnly() bool {
	return st.rollbackOnly
}

// isGlobalRollbackOnly probes the transaction handle for a resource-level
// rollback-only marker
func (st *Status) isGlobalRollbackOnly() bool {
	reporter, ok := st.transaction.(RollbackStateReporter)
	return ok && reporter.RollbackOnly()
}

// IsCompleted reports whether this status has been committed or rolled back
func (st *Status) IsCompleted() bool {
	return st.completed
}

// HasSavepoint reports whether this status runs as a savepoint-based nested
// transaction
func (st *Status) HasSavepoint() bool {
	return st.savepoint != nil
}

// setCompleted marks the status as finished; set exactly once per status
func (st *Status) setCompleted() {
	st.completed = true
}
