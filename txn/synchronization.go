package txn

// CompletionStatus reports how a transaction completed to afterCompletion
// callbacks
type CompletionStatus int

const (
	// StatusCommitted indicates the transaction committed
	StatusCommitted CompletionStatus = iota

	// StatusRolledBack indicates the transaction rolled back
	StatusRolledBack

	// StatusUnknown indicates the outcome of the transaction is unknown
	StatusUnknown
)

// String returns the name of the completion status
func (s CompletionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusUnknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// Synchronization is the interface for objects that need to be notified
// around transaction completion. Callbacks are registered on the ambient
// Scope and fired by the manager owning the synchronization, in registration
// order for every phase.
type Synchronization interface {
	// Suspend is called when the transaction this callback is registered
	// with is suspended. Best-effort: panics are logged and swallowed.
	Suspend()

	// Resume is called when the suspended transaction is resumed.
	// Best-effort: panics are logged and swallowed.
	Resume()

	// BeforeCommit is called before the transaction commit is driven, after
	// the outcome has been decided in favor of commit. An error vetoes the
	// commit and triggers a rollback.
	BeforeCommit(readOnly bool) error

	// BeforeCompletion is called before completion, after BeforeCommit on
	// the commit path and first on the rollback path. Best-effort.
	BeforeCompletion()

	// AfterCommit is called after a successful resource commit. An error
	// propagates to the caller, but the transaction remains committed.
	AfterCommit() error

	// AfterCompletion is called after completion with the final outcome.
	// Best-effort: errors must be handled by the callback itself.
	AfterCompletion(status CompletionStatus)
}

// SynchronizationFuncs adapts plain functions to the Synchronization
// interface. Nil fields are no-ops, so callers implement only the hooks they
// care about.
type SynchronizationFuncs struct {
	SuspendFunc          func()
	ResumeFunc           func()
	BeforeCommitFunc     func(readOnly bool) error
	BeforeCompletionFunc func()
	AfterCommitFunc      func() error
	AfterCompletionFunc  func(status CompletionStatus)
}

// Suspend calls SuspendFunc if set
func (f *SynchronizationFuncs) Suspend() {
	if f.SuspendFunc != nil {
		f.SuspendFunc()
	}
}

// Resume calls ResumeFunc if set
func (f *SynchronizationFuncs) Resume() {
	if f.ResumeFunc != nil {
		f.ResumeFunc()
	}
}

// BeforeCommit calls BeforeCommitFunc if set
func (f *SynchronizationFuncs) BeforeCommit(readOnly bool) error {
	if f.BeforeCommitFunc != nil {
		return f.BeforeCommitFunc(readOnly)
	}
	return nil
}

// BeforeCompletion calls BeforeCompletionFunc if set
func (f *SynchronizationFuncs) BeforeCompletion() {
	if f.BeforeCompletionFunc != nil {
		f.BeforeCompletionFunc()
	}
}

// AfterCommit calls AfterCommitFunc if set
func (f *SynchronizationFuncs) AfterCommit() error {
	if f.AfterCommitFunc != nil {
		return f.AfterCommitFunc()
	}
	return nil
}

// AfterCompletion calls AfterCompletionFunc if set
func (f *SynchronizationFuncs) AfterCompletion(status CompletionStatus) {
	if f.AfterCompletionFunc != nil {
		f.AfterCompletionFunc(status)
	}
}
