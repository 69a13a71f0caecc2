package txn

import "context"

// SavepointManager is implemented by transaction handles that can manage
// savepoints inside their resource transaction. It is the capability behind
// savepoint-based PropagationNested and the programmatic savepoint surface
// on Status.
type SavepointManager interface {
	// CreateSavepoint takes a savepoint and returns an opaque token for the
	// other two operations
	CreateSavepoint(ctx context.Context) (any, error)

	// RollbackToSavepoint rolls the transaction back to the given savepoint.
	// The savepoint stays valid until released.
	RollbackToSavepoint(ctx context.Context, savepoint any) error

	// ReleaseSavepoint discards a savepoint that is no longer needed.
	// Adapters whose resource releases savepoints implicitly may make this
	// a no-op.
	ReleaseSavepoint(ctx context.Context, savepoint any) error
}

// savepointManager returns the handle's savepoint capability
func (st *Status) savepointManager() (SavepointManager, error) {
	if st.transaction == nil {
		return nil, errorf(KindSavepointUnsupported, "no transaction active to create savepoints in")
	}
	mgr, ok := st.transaction.(SavepointManager)
	if !ok {
		return nil, errorf(KindSavepointUnsupported, "transaction %T does not support savepoints", st.transaction)
	}
	return mgr, nil
}

// CreateSavepoint takes a savepoint in the underlying transaction for
// manual, partial rollbacks within transactional work. Nested transactions
// manage their own savepoint; statuses completed through Commit and
// Rollback release held savepoints themselves.
func (st *Status) CreateSavepoint() (any, error) {
	mgr, err := st.savepointManager()
	if err != nil {
		return nil, err
	}
	return mgr.CreateSavepoint(st.ctx)
}

// RollbackToSavepoint rolls the underlying transaction back to a savepoint
// taken with CreateSavepoint
func (st *Status) RollbackToSavepoint(savepoint any) error {
	mgr, err := st.savepointManager()
	if err != nil {
		return err
	}
	return mgr.RollbackToSavepoint(st.ctx, savepoint)
}

// ReleaseSavepoint discards a savepoint taken with CreateSavepoint
func (st *Status) ReleaseSavepoint(savepoint any) error {
	mgr, err := st.savepointManager()
	if err != nil {
		return err
	}
	return mgr.ReleaseSavepoint(st.ctx, savepoint)
}

// createAndHoldSavepoint takes a savepoint and holds it for a nested status
func (st *Status) createAndHoldSavepoint() error {
	mgr, err := st.savepointManager()
	if err != nil {
		return err
	}
	savepoint, err := mgr.CreateSavepoint(st.ctx)
	if err != nil {
		return err
	}
	st.savepoint = savepoint
	return nil
}

// rollbackToHeldSavepoint rolls back to and releases the savepoint held by
// this nested status
func (st *Status) rollbackToHeldSavepoint() error {
	if st.savepoint == nil {
		return errorf(KindIllegalState, "cannot roll back to savepoint - no savepoint associated with current transaction")
	}
	mgr, err := st.savepointManager()
	if err != nil {
		return err
	}
	if err := mgr.RollbackToSavepoint(st.ctx, st.savepoint); err != nil {
		return err
	}
	if err := mgr.ReleaseSavepoint(st.ctx, st.savepoint); err != nil {
		return err
	}
	st.savepoint = nil
	return nil
}

// releaseHeldSavepoint releases the savepoint held by this nested status
func (st *Status) releaseHeldSavepoint() error {
	if st.savepoint == nil {
		return errorf(KindIllegalState, "cannot release savepoint - no savepoint associated with current transaction")
	}
	mgr, err := st.savepointManager()
	if err != nil {
		return err
	}
	if err := mgr.ReleaseSavepoint(st.ctx, st.savepoint); err != nil {
		return err
	}
	st.savepoint = nil
	return nil
}
