// Package txn provides resource-agnostic transaction propagation and
// completion management in Go. A Manager resolves propagation behavior
// against the ambient Scope carried in a context.Context, drives a resource
// Adapter through begin, suspend, resume, commit and rollback, and fires
// synchronization callbacks around completion.
package txn

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SynchronizationPolicy controls when a Manager activates the ambient
// synchronization scope
type SynchronizationPolicy int

const (
	// SynchronizeAlways - activate synchronization even for empty transactions
	// with no actual resource transaction underneath
	SynchronizeAlways SynchronizationPolicy = iota

	// SynchronizeOnActualTransaction - activate synchronization only when an
	// actual resource transaction is started or joined
	SynchronizeOnActualTransaction

	// SynchronizeNever - never activate synchronization
	SynchronizeNever
)

// String returns the name of the synchronization policy
func (p SynchronizationPolicy) String() string {
	switch p {
	case SynchronizeAlways:
		return "ALWAYS"
	case SynchronizeOnActualTransaction:
		return "ON_ACTUAL_TRANSACTION"
	case SynchronizeNever:
		return "NEVER"
	default:
		return "UNKNOWN"
	}
}

// Manager is the transaction manager: it implements the propagation and
// completion rules over a resource Adapter. A single Manager is safe for use
// from multiple goroutines as long as each logical flow runs with its own
// scope, which GetTransaction arranges automatically.
type Manager struct {
	adapter Adapter
	logger  *slog.Logger

	defaultTimeout                       time.Duration
	synchronization                      SynchronizationPolicy
	validateExisting                     bool
	nestedAllowed                        bool
	failEarlyOnGlobalRollbackOnly        bool
	rollbackOnCommitFailure              bool
	globalRollbackOnParticipationFailure bool
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger for engine diagnostics. Without it the manager
// is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(tm *Manager) {
		if logger != nil {
			tm.logger = logger
		}
	}
}

// WithDefaultTimeout sets the timeout applied to definitions that leave
// their timeout unspecified
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(tm *Manager) {
		tm.defaultTimeout = timeout
	}
}

// WithSynchronization sets the synchronization activation policy. The
// default is SynchronizeAlways.
func WithSynchronization(policy SynchronizationPolicy) Option {
	return func(tm *Manager) {
		tm.synchronization = policy
	}
}

// WithValidateExisting makes participating calls validate their isolation
// and read-only settings against the existing transaction instead of
// silently joining it
func WithValidateExisting(validate bool) Option {
	return func(tm *Manager) {
		tm.validateExisting = validate
	}
}

// WithNestedAllowed controls whether PropagationNested may nest into an
// existing transaction. Enabled by default; the adapter and handle
// capabilities still decide whether nesting is possible.
func WithNestedAllowed(allowed bool) Option {
	return func(tm *Manager) {
		tm.nestedAllowed = allowed
	}
}

// WithFailEarlyOnGlobalRollbackOnly makes commit and rollback of an outer
// transaction fail with ErrUnexpectedRollback as soon as the transaction is
// globally marked rollback-only, instead of only at the outermost commit
func WithFailEarlyOnGlobalRollbackOnly(failEarly bool) Option {
	return func(tm *Manager) {
		tm.failEarlyOnGlobalRollbackOnly = failEarly
	}
}

// WithRollbackOnCommitFailure makes a failed resource commit trigger a
// compensating rollback attempt. The commit failure is still what the
// caller sees; a rollback failure on top of it is logged.
func WithRollbackOnCommitFailure(rollback bool) Option {
	return func(tm *Manager) {
		tm.rollbackOnCommitFailure = rollback
	}
}

// WithGlobalRollbackOnParticipationFailure controls whether a rollback of a
// participating status marks the whole existing transaction rollback-only.
// Enabled by default; when disabled, the transaction originator decides the
// outcome alone.
func WithGlobalRollbackOnParticipationFailure(global bool) Option {
	return func(tm *Manager) {
		tm.globalRollbackOnParticipationFailure = global
	}
}

// NewManager creates a transaction manager driving the given resource
// adapter
func NewManager(adapter Adapter, opts ...Option) *Manager {
	tm := &Manager{
		adapter:                              adapter,
		logger:                               slog.New(slog.NewTextHandler(io.Discard, nil)),
		synchronization:                      SynchronizeAlways,
		nestedAllowed:                        true,
		globalRollbackOnParticipationFailure: true,
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// GetTransaction resolves the definition's propagation behavior against the
// current state of ctx and returns the status for this unit of work. A nil
// definition means the default definition. All transactional work must run
// with the returned status's Context, and the status must be completed with
// exactly one Commit or Rollback call.
func (tm *Manager) GetTransaction(ctx context.Context, def *Definition) (*Status, error) {
	resolved := tm.resolveDefinition(def)
	ctx, scope := ensureScope(ctx)
	debug := tm.logger.Enabled(ctx, slog.LevelDebug)

	transaction, err := tm.adapter.FetchTransaction(ctx)
	if err != nil {
		return nil, err
	}

	if tm.isExistingTransaction(transaction) {
		// Existing transaction found: propagation decides how to take part in it.
		return tm.handleExistingTransaction(ctx, scope, resolved, transaction, debug)
	}

	if resolved.Timeout < 0 {
		return nil, errorf(KindInvalidTimeout, "invalid transaction timeout %v", resolved.Timeout)
	}

	// No existing transaction found: propagation decides whether to start one.
	switch resolved.Propagation {
	case PropagationMandatory:
		return nil, errorf(KindMandatoryViolation, "no existing transaction found for transaction marked with propagation %s", PropagationMandatory)

	case PropagationRequired, PropagationRequiresNew, PropagationNested:
		suspended, err := tm.suspend(ctx, scope, nil)
		if err != nil {
			return nil, err
		}
		if debug {
			tm.logger.Debug("creating new transaction",
				"name", resolved.Name,
				"propagation", resolved.Propagation.String(),
				"isolation", resolved.Isolation.String(),
				"readOnly", resolved.ReadOnly)
		}
		st, err := tm.startTransaction(ctx, scope, resolved, transaction, debug, suspended)
		if err != nil {
			tm.resumeAfterBeginFailure(ctx, scope, nil, suspended)
			return nil, err
		}
		return st, nil

	default:
		// Empty transaction: no actual transaction, but potentially synchronization.
		if resolved.Isolation != IsolationDefault {
			tm.logger.Warn("custom isolation level specified but no actual transaction initiated; isolation is effectively ignored",
				"isolation", resolved.Isolation.String(), "name", resolved.Name)
		}
		newSynchronization := tm.synchronization == SynchronizeAlways
		return tm.prepareStatus(ctx, scope, resolved, nil, true, newSynchronization, debug, nil), nil
	}
}

// handleExistingTransaction resolves propagation for a call that found a
// live transaction in its scope
func (tm *Manager) handleExistingTransaction(ctx context.Context, scope *Scope, def *Definition, transaction any, debug bool) (*Status, error) {
	switch def.Propagation {
	case PropagationNever:
		return nil, errorf(KindNeverViolation, "existing transaction found for transaction marked with propagation %s", PropagationNever)

	case PropagationNotSupported:
		if debug {
			tm.logger.Debug("suspending current transaction", "name", scope.TransactionName())
		}
		suspended, err := tm.suspend(ctx, scope, transaction)
		if err != nil {
			return nil, err
		}
		newSynchronization := tm.synchronization == SynchronizeAlways
		return tm.prepareStatus(ctx, scope, def, nil, false, newSynchronization, debug, suspended), nil

	case PropagationRequiresNew:
		if debug {
			tm.logger.Debug("suspending current transaction, creating new transaction",
				"suspendedName", scope.TransactionName(), "name", def.Name)
		}
		suspended, err := tm.suspend(ctx, scope, transaction)
		if err != nil {
			return nil, err
		}
		st, err := tm.startTransaction(ctx, scope, def, transaction, debug, suspended)
		if err != nil {
			tm.resumeAfterBeginFailure(ctx, scope, transaction, suspended)
			return nil, err
		}
		return st, nil

	case PropagationNested:
		if !tm.nestedAllowed {
			return nil, errorf(KindNestedUnsupported, "transaction manager does not allow nested transactions")
		}
		if debug {
			tm.logger.Debug("creating nested transaction", "name", def.Name)
		}
		if tm.useSavepointForNested() {
			// Nested within the existing transaction through a savepoint on
			// the handle. The nested status does not own the transaction and
			// keeps the synchronization of the outer one.
			st := tm.prepareStatus(ctx, scope, def, transaction, false, false, debug, nil)
			if err := st.createAndHoldSavepoint(); err != nil {
				return nil, err
			}
			return st, nil
		}
		// Nested through a nested resource begin, for resources that manage
		// nesting themselves.
		return tm.startTransaction(ctx, scope, def, transaction, debug, nil)
	}

	// PropagationSupports or PropagationRequired: participate in the
	// existing transaction.
	if tm.validateExisting {
		if def.Isolation != IsolationDefault {
			if current := scope.TransactionIsolation(); current != def.Isolation {
				return nil, errorf(KindIllegalState,
					"participating transaction with isolation %s is incompatible with existing transaction isolation %s",
					def.Isolation, current)
			}
		}
		if !def.ReadOnly && scope.TransactionReadOnly() {
			return nil, errorf(KindIllegalState,
				"participating transaction is not marked as read-only but existing transaction is")
		}
	}
	if debug {
		tm.logger.Debug("participating in existing transaction", "name", scope.TransactionName())
	}
	newSynchronization := tm.synchronization != SynchronizeNever
	return tm.prepareStatus(ctx, scope, def, transaction, false, newSynchronization, debug, nil), nil
}

// startTransaction begins a new resource transaction and prepares the
// status and scope for it. The scope is only touched once the resource
// begin has succeeded.
func (tm *Manager) startTransaction(ctx context.Context, scope *Scope, def *Definition, transaction any, debug bool, suspended *suspendedResources) (*Status, error) {
	newSynchronization := tm.synchronization != SynchronizeNever
	st := tm.newStatus(ctx, scope, def, transaction, true, newSynchronization, debug, suspended)
	if err := tm.adapter.Begin(ctx, transaction, def); err != nil {
		return nil, err
	}
	tm.prepareScope(st, def)
	return st, nil
}

// resumeAfterBeginFailure restores the outer transaction after a failed
// begin. The begin failure is what propagates; a resume failure on top of
// it is logged.
func (tm *Manager) resumeAfterBeginFailure(ctx context.Context, scope *Scope, transaction any, suspended *suspendedResources) {
	if suspended == nil {
		return
	}
	if err := tm.resume(ctx, scope, transaction, suspended); err != nil {
		tm.logger.Error("failed to resume transaction after begin failure", "error", err)
	}
}

// resolveDefinition applies manager defaults to the caller's definition. A
// nil definition means the default definition. The caller's definition is
// never modified.
func (tm *Manager) resolveDefinition(def *Definition) *Definition {
	var resolved Definition
	if def != nil {
		resolved = *def
	}
	if resolved.Timeout == TimeoutDefault {
		resolved.Timeout = tm.defaultTimeout
	}
	if resolved.Name == "" {
		resolved.Name = "txn-" + uuid.New().String()[:8]
	}
	return &resolved
}

// newStatus assembles the status for one resolved GetTransaction call. A
// requested synchronization is only owned by the new status when no
// synchronization is active yet.
func (tm *Manager) newStatus(ctx context.Context, scope *Scope, def *Definition, transaction any, newTransaction, newSynchronization, debug bool, suspended *suspendedResources) *Status {
	return &Status{
		ctx:                ctx,
		scope:              scope,
		transaction:        transaction,
		name:               def.Name,
		newTransaction:     newTransaction,
		newSynchronization: newSynchronization && !scope.SynchronizationActive(),
		readOnly:           def.ReadOnly,
		debug:              debug,
		suspended:          suspended,
	}
}

// prepareStatus assembles a status and immediately activates the scope
// state it owns
func (tm *Manager) prepareStatus(ctx context.Context, scope *Scope, def *Definition, transaction any, newTransaction, newSynchronization, debug bool, suspended *suspendedResources) *Status {
	st := tm.newStatus(ctx, scope, def, transaction, newTransaction, newSynchronization, debug, suspended)
	tm.prepareScope(st, def)
	return st
}

// prepareScope activates the ambient scope fields for a status that owns
// its synchronization
func (tm *Manager) prepareScope(st *Status, def *Definition) {
	if !st.newSynchronization {
		return
	}
	scope := st.scope
	scope.actualActive = st.HasTransaction()
	scope.isolation = def.Isolation
	scope.readOnly = def.ReadOnly
	scope.name = def.Name
	scope.initSynchronization()
}
