package txn

import "context"

// Adapter is the interface a transactional resource implements to be driven
// by a Manager. The engine treats the transaction handle as opaque: it is
// produced by FetchTransaction, passed back into every other adapter call
// and never inspected except through the optional capability interfaces.
type Adapter interface {
	// FetchTransaction returns the resource's view of the current
	// transaction for this flow, typically by consulting the scope carried
	// in ctx. The handle may represent "no transaction yet"; IsExisting
	// decides that.
	FetchTransaction(ctx context.Context) (any, error)

	// Begin starts a new resource transaction on the handle according to
	// the definition.
	Begin(ctx context.Context, transaction any, def *Definition) error

	// Commit commits the resource transaction carried by the status.
	Commit(ctx context.Context, status *Status) error

	// Rollback rolls back the resource transaction carried by the status.
	Rollback(ctx context.Context, status *Status) error
}

// ExistingTransactionDetector is implemented by adapters that can take part
// in an already-running transaction. Without it every handle counts as "no
// existing transaction".
type ExistingTransactionDetector interface {
	// IsExisting reports whether the fetched handle carries a live
	// transaction
	IsExisting(transaction any) bool
}

// Suspender is implemented by adapters that can detach a live transaction
// from the current flow and reattach it later. Without it, propagation
// behaviors that need suspension fail with ErrSuspensionUnsupported.
type Suspender interface {
	// Suspend detaches the current transaction's resources and returns an
	// opaque token for Resume
	Suspend(ctx context.Context, transaction any) (any, error)

	// Resume reattaches previously suspended resources
	Resume(ctx context.Context, transaction, suspended any) error
}

// RollbackOnlyParticipant is implemented by adapters that can mark an outer
// transaction rollback-only on behalf of a failed participant. Without it,
// participant rollback requests fail with ErrRollbackOnlyUnsupported.
type RollbackOnlyParticipant interface {
	// SetRollbackOnly marks the transaction carried by the status so the
	// outermost commit turns into a rollback
	SetRollbackOnly(ctx context.Context, status *Status) error
}

// CommitPreparer is implemented by adapters that need a hook right before
// the commit decision, ahead of any synchronization callbacks. An error
// vetoes the commit.
type CommitPreparer interface {
	// PrepareForCommit runs adapter work that must precede beforeCommit
	// callbacks
	PrepareForCommit(ctx context.Context, status *Status) error
}

// CompletionCleaner is implemented by adapters that hold per-transaction
// resources to release after completion, such as scope bindings. Cleanup is
// best-effort and must not panic.
type CompletionCleaner interface {
	// CleanupAfterCompletion releases resources held for the transaction
	CleanupAfterCompletion(ctx context.Context, transaction any)
}

// NestedPolicy is implemented by adapters that control how PropagationNested
// runs against an existing transaction. Without it, nesting uses savepoints.
type NestedPolicy interface {
	// UseSavepointForNested reports whether nested transactions are
	// implemented with savepoints (true) or with a nested resource begin
	// (false)
	UseSavepointForNested() bool
}

// GlobalRollbackPolicy is implemented by adapters that want the outermost
// commit call to proceed into the resource commit even when the transaction
// is marked rollback-only, so the resource itself reports the rollback.
type GlobalRollbackPolicy interface {
	// CommitOnGlobalRollbackOnly reports whether commit should be driven
	// into the resource despite a global rollback-only marker
	CommitOnGlobalRollbackOnly() bool
}

// AfterCompletionRegistrar is implemented by adapters that can hand
// afterCompletion callbacks over to an externally controlled transaction,
// so the callbacks fire when that transaction actually completes. Without
// it, callbacks of a participating status fire immediately with
// StatusUnknown.
type AfterCompletionRegistrar interface {
	// RegisterAfterCompletion attaches the detached callbacks to the
	// still-running outer transaction
	RegisterAfterCompletion(ctx context.Context, transaction any, syncs []Synchronization)
}

// RollbackStateReporter is implemented by transaction handles that track a
// global rollback-only marker, letting the engine detect a doomed
// transaction at commit time.
type RollbackStateReporter interface {
	// RollbackOnly reports whether the transaction has been marked
	// rollback-only at the resource level
	RollbackOnly() bool
}

// isExistingTransaction asks the adapter whether the fetched handle carries
// a live transaction
func (tm *Manager) isExistingTransaction(transaction any) bool {
	detector, ok := tm.adapter.(ExistingTransactionDetector)
	return ok && detector.IsExisting(transaction)
}

// useSavepointForNested reports how the adapter nests transactions
func (tm *Manager) useSavepointForNested() bool {
	if policy, ok := tm.adapter.(NestedPolicy); ok {
		return policy.UseSavepointForNested()
	}
	return true
}

// commitOnGlobalRollbackOnly reports whether the adapter wants doomed
// transactions driven into the resource commit
func (tm *Manager) commitOnGlobalRollbackOnly() bool {
	if policy, ok := tm.adapter.(GlobalRollbackPolicy); ok {
		return policy.CommitOnGlobalRollbackOnly()
	}
	return false
}
