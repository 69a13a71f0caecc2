package txn

// Commit completes the transaction represented by status. When the status
// is marked rollback-only, locally or globally, commit performs a rollback
// instead: silently for the local marker, with ErrUnexpectedRollback for
// the global one. Commit must be called at most once per status and never
// after Rollback.
func (tm *Manager) Commit(status *Status) error {
	if status.IsCompleted() {
		return errorf(KindAlreadyCompleted, "transaction already completed - do not call commit or rollback more than once per transaction")
	}

	if status.isLocalRollbackOnly() {
		if status.debug {
			tm.logger.Debug("transactional code requested rollback", "name", status.name)
		}
		return tm.processRollback(status, false)
	}

	if !tm.commitOnGlobalRollbackOnly() && status.isGlobalRollbackOnly() {
		if status.debug {
			tm.logger.Debug("global transaction is marked rollback-only but commit was requested", "name", status.name)
		}
		return tm.processRollback(status, true)
	}

	return tm.processCommit(status)
}

// Rollback rolls the transaction represented by status back. For a
// participating status this marks the existing transaction rollback-only
// according to the participation policy rather than touching the resource.
// Rollback must be called at most once per status and never after Commit.
func (tm *Manager) Rollback(status *Status) error {
	if status.IsCompleted() {
		return errorf(KindAlreadyCompleted, "transaction already completed - do not call commit or rollback more than once per transaction")
	}
	return tm.processRollback(status, false)
}

// processCommit drives the commit sequence: adapter preparation, the
// beforeCommit and beforeCompletion callbacks, the resource commit or
// savepoint release, unexpected-rollback detection and the after-phase
// callbacks. Cleanup is guaranteed to run before any error reaches the
// caller.
func (tm *Manager) processCommit(st *Status) (retErr error) {
	defer tm.finishCompletion(st, &retErr)

	beforeCompletionInvoked := false

	if err := tm.prepareForCommit(st); err != nil {
		return tm.abortCommit(st, err, beforeCompletionInvoked)
	}
	if err := tm.triggerBeforeCommit(st); err != nil {
		return tm.abortCommit(st, err, beforeCompletionInvoked)
	}
	tm.triggerBeforeCompletion(st)
	beforeCompletionInvoked = true

	unexpectedRollback := false
	switch {
	case st.HasSavepoint():
		if st.debug {
			tm.logger.Debug("releasing transaction savepoint", "name", st.name)
		}
		unexpectedRollback = st.isGlobalRollbackOnly()
		if err := st.releaseHeldSavepoint(); err != nil {
			return tm.failCommit(st, err)
		}

	case st.IsNewTransaction():
		if st.debug {
			tm.logger.Debug("initiating transaction commit", "name", st.name)
		}
		unexpectedRollback = st.isGlobalRollbackOnly()
		if err := tm.adapter.Commit(st.ctx, st); err != nil {
			return tm.failCommit(st, err)
		}

	case tm.failEarlyOnGlobalRollbackOnly:
		unexpectedRollback = st.isGlobalRollbackOnly()
	}

	// A global rollback-only marker that did not surface as a resource
	// failure from commit still has to be reported to the caller.
	if unexpectedRollback {
		tm.triggerAfterCompletion(st, StatusRolledBack)
		return errorf(KindUnexpectedRollback, "transaction silently rolled back because it has been marked as rollback-only")
	}

	afterCommitErr := tm.triggerAfterCommit(st)
	tm.triggerAfterCompletion(st, StatusCommitted)
	return afterCommitErr
}

// abortCommit handles a failure raised ahead of the resource commit, by the
// adapter's preparation hook or a beforeCommit callback: beforeCompletion
// still fires if it has not, a compensating rollback runs unconditionally
// and the original failure propagates.
func (tm *Manager) abortCommit(st *Status, cause error, beforeCompletionInvoked bool) error {
	if !beforeCompletionInvoked {
		tm.triggerBeforeCompletion(st)
	}
	tm.doRollbackOnCommitError(st, cause)
	return cause
}

// failCommit handles a resource-level commit failure according to the
// rollback-on-commit-failure policy. The commit failure is what the caller
// sees either way.
func (tm *Manager) failCommit(st *Status, cause error) error {
	if tm.rollbackOnCommitFailure {
		tm.doRollbackOnCommitError(st, cause)
	} else {
		tm.triggerAfterCompletion(st, StatusUnknown)
	}
	return cause
}

// doRollbackOnCommitError rolls the transaction back after a failed commit
// attempt. A rollback failure on top of the commit failure is logged and
// reported through afterCompletion(StatusUnknown); the commit failure stays
// the one the caller observes.
func (tm *Manager) doRollbackOnCommitError(st *Status, cause error) {
	var rollbackErr error
	switch {
	case st.IsNewTransaction():
		if st.debug {
			tm.logger.Debug("initiating transaction rollback after commit failure", "name", st.name)
		}
		rollbackErr = tm.adapter.Rollback(st.ctx, st)
	case st.HasTransaction() && tm.globalRollbackOnParticipationFailure:
		rollbackErr = tm.doSetRollbackOnly(st)
	}
	if rollbackErr != nil {
		tm.logger.Error("rollback after commit failure also failed",
			"rollbackError", rollbackErr, "commitError", cause, "name", st.name)
		tm.triggerAfterCompletion(st, StatusUnknown)
		return
	}
	tm.triggerAfterCompletion(st, StatusRolledBack)
}

// processRollback drives the rollback sequence for a status. unexpected
// carries an already-detected global rollback-only marker into the outcome
// reported to the caller.
func (tm *Manager) processRollback(st *Status, unexpected bool) (retErr error) {
	defer tm.finishCompletion(st, &retErr)

	unexpectedRollback := unexpected

	tm.triggerBeforeCompletion(st)

	switch {
	case st.HasSavepoint():
		if st.debug {
			tm.logger.Debug("rolling back transaction to savepoint", "name", st.name)
		}
		if err := st.rollbackToHeldSavepoint(); err != nil {
			tm.triggerAfterCompletion(st, StatusUnknown)
			return err
		}

	case st.IsNewTransaction():
		if st.debug {
			tm.logger.Debug("initiating transaction rollback", "name", st.name)
		}
		if err := tm.adapter.Rollback(st.ctx, st); err != nil {
			tm.triggerAfterCompletion(st, StatusUnknown)
			return err
		}

	default:
		if st.HasTransaction() {
			if st.isLocalRollbackOnly() || tm.globalRollbackOnParticipationFailure {
				if st.debug {
					tm.logger.Debug("participating transaction failed - marking existing transaction as rollback-only", "name", st.name)
				}
				if err := tm.doSetRollbackOnly(st); err != nil {
					tm.triggerAfterCompletion(st, StatusUnknown)
					return err
				}
			} else if st.debug {
				tm.logger.Debug("participating transaction failed - letting transaction originator decide on rollback", "name", st.name)
			}
		} else {
			tm.logger.Debug("should roll back transaction but cannot - no transaction available")
		}
		// An unexpected rollback only matters here when asked to fail early;
		// otherwise the outermost status reports it.
		if !tm.failEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
	}

	tm.triggerAfterCompletion(st, StatusRolledBack)

	if unexpectedRollback {
		return errorf(KindUnexpectedRollback, "transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}

// doSetRollbackOnly asks the adapter to mark the existing transaction
// rollback-only on behalf of a participating status
func (tm *Manager) doSetRollbackOnly(st *Status) error {
	participant, ok := tm.adapter.(RollbackOnlyParticipant)
	if !ok {
		return errorf(KindParticipationUnsupported, "adapter %T cannot mark an existing transaction rollback-only", tm.adapter)
	}
	return participant.SetRollbackOnly(st.ctx, st)
}

// prepareForCommit gives the adapter its pre-commit hook
func (tm *Manager) prepareForCommit(st *Status) error {
	preparer, ok := tm.adapter.(CommitPreparer)
	if !ok {
		return nil
	}
	return preparer.PrepareForCommit(st.ctx, st)
}

// triggerBeforeCommit fires beforeCommit on the callbacks owned by the
// status, in registration order. The first error stops the loop and vetoes
// the commit.
func (tm *Manager) triggerBeforeCommit(st *Status) error {
	if !st.newSynchronization {
		return nil
	}
	if st.debug {
		tm.logger.Debug("triggering beforeCommit synchronization", "name", st.name)
	}
	for _, s := range st.scope.Synchronizations() {
		if err := s.BeforeCommit(st.readOnly); err != nil {
			return err
		}
	}
	return nil
}

// triggerBeforeCompletion fires beforeCompletion on the callbacks owned by
// the status, best-effort and in registration order
func (tm *Manager) triggerBeforeCompletion(st *Status) {
	if !st.newSynchronization {
		return
	}
	if st.debug {
		tm.logger.Debug("triggering beforeCompletion synchronization", "name", st.name)
	}
	for _, s := range st.scope.Synchronizations() {
		tm.guard("beforeCompletion", s.BeforeCompletion)
	}
}

// triggerAfterCommit fires afterCommit on the callbacks owned by the
// status, in registration order. The first error stops the loop and
// propagates to the caller; the transaction remains committed.
func (tm *Manager) triggerAfterCommit(st *Status) error {
	if !st.newSynchronization {
		return nil
	}
	if st.debug {
		tm.logger.Debug("triggering afterCommit synchronization", "name", st.name)
	}
	for _, s := range st.scope.Synchronizations() {
		if err := s.AfterCommit(); err != nil {
			return err
		}
	}
	return nil
}

// triggerAfterCompletion fires afterCompletion for a status that owns its
// synchronization. The callback list is detached from the scope first. A
// participating status whose callbacks outlive it hands them to the
// adapter, falling back to an immediate firing with StatusUnknown.
func (tm *Manager) triggerAfterCompletion(st *Status, status CompletionStatus) {
	if !st.newSynchronization {
		return
	}
	syncs := st.scope.Synchronizations()
	st.scope.clearSynchronization()

	if !st.HasTransaction() || st.IsNewTransaction() {
		if st.debug {
			tm.logger.Debug("triggering afterCompletion synchronization", "name", st.name, "status", status.String())
		}
		tm.invokeAfterCompletion(syncs, status)
		return
	}

	if len(syncs) > 0 {
		// The existing transaction decides the real outcome later; only the
		// adapter can defer the callbacks until then.
		registrar, ok := tm.adapter.(AfterCompletionRegistrar)
		if ok {
			registrar.RegisterAfterCompletion(st.ctx, st.transaction, syncs)
			return
		}
		tm.logger.Debug("cannot register after-completion callbacks with existing transaction - processing immediately with unknown status", "name", st.name)
		tm.invokeAfterCompletion(syncs, StatusUnknown)
	}
}

// invokeAfterCompletion fires afterCompletion on each callback in
// registration order, best-effort
func (tm *Manager) invokeAfterCompletion(syncs []Synchronization, status CompletionStatus) {
	for _, s := range syncs {
		tm.guard("afterCompletion", func() { s.AfterCompletion(status) })
	}
}

// finishCompletion runs cleanup and reconciles its outcome with the
// completion result: the completion error wins and a cleanup failure on top
// of it is logged
func (tm *Manager) finishCompletion(st *Status, retErr *error) {
	cleanupErr := tm.cleanupAfterCompletion(st)
	if cleanupErr == nil {
		return
	}
	if *retErr == nil {
		*retErr = cleanupErr
		return
	}
	tm.logger.Error("failed to resume suspended transaction after completion",
		"error", cleanupErr, "transactionError", *retErr, "name", st.name)
}

// cleanupAfterCompletion finishes a status: it is marked completed, the
// scope state it owned is torn down, the adapter releases its resources
// and whatever this transaction suspended is resumed
func (tm *Manager) cleanupAfterCompletion(st *Status) error {
	st.setCompleted()
	if st.newSynchronization {
		st.scope.clear()
	}
	if st.IsNewTransaction() {
		tm.doCleanupAfterCompletion(st)
	}
	if st.suspended != nil {
		if st.debug {
			tm.logger.Debug("resuming suspended transaction after completion of inner transaction", "name", st.name)
		}
		var resumeTx any
		if st.HasTransaction() {
			resumeTx = st.transaction
		}
		holder := st.suspended
		st.suspended = nil
		if err := tm.resume(st.ctx, st.scope, resumeTx, holder); err != nil {
			return err
		}
	}
	return nil
}

// doCleanupAfterCompletion gives the adapter its cleanup hook, best-effort
func (tm *Manager) doCleanupAfterCompletion(st *Status) {
	cleaner, ok := tm.adapter.(CompletionCleaner)
	if !ok {
		return
	}
	tm.guard("cleanupAfterCompletion", func() {
		cleaner.CleanupAfterCompletion(st.ctx, st.transaction)
	})
}

// guard runs a best-effort hook, logging a panic instead of letting it
// abort transaction processing
func (tm *Manager) guard(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			tm.logger.Error("transaction hook panicked", "hook", hook, "panic", r)
		}
	}()
	fn()
}
