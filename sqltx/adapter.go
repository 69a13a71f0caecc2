// Package sqltx manages database/sql transactions through the txn engine.
// The live *sql.Tx is bound to the transaction scope so data-access code
// reached through the same context transparently runs its statements on the
// transaction; nested transactions map onto SQL savepoints.
package sqltx

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ifabos/go-txn/txn"
)

// Adapter drives *sql.DB transactions on behalf of the txn engine
type Adapter struct {
	db *sql.DB
}

// NewAdapter creates an adapter managing transactions on db
func NewAdapter(db *sql.DB) *Adapter {
	return &Adapter{db: db}
}

// NewManager creates a transaction manager for db
func NewManager(db *sql.DB, opts ...txn.Option) *txn.Manager {
	return txn.NewManager(NewAdapter(db), opts...)
}

// txHolder is the scope-bound transaction state: the live *sql.Tx plus the
// markers the engine negotiates around it
type txHolder struct {
	tx           *sql.Tx
	cancel       context.CancelFunc
	active       bool
	rollbackOnly bool
	savepoints   int
}

// release finishes the holder, cancelling the deadline context attached to
// the transaction
func (h *txHolder) release() {
	h.active = false
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// handle is the engine-facing transaction object
type handle struct {
	holder *txHolder
}

// FetchTransaction returns a handle onto whatever transaction is bound to
// the calling scope for this database
func (a *Adapter) FetchTransaction(ctx context.Context) (any, error) {
	h := &handle{}
	if scope, ok := txn.ScopeFrom(ctx); ok {
		h.holder, _ = scope.Resource(a.db).(*txHolder)
	}
	return h, nil
}

// IsExisting reports whether the handle refers to a live transaction
func (a *Adapter) IsExisting(target any) bool {
	h, ok := target.(*handle)
	return ok && h.holder != nil && h.holder.active
}

// Begin opens a database transaction with the isolation level and read-only
// flag from the definition and binds it to the calling scope. A positive
// timeout bounds the whole transaction: the driver rolls it back when the
// deadline passes.
func (a *Adapter) Begin(ctx context.Context, target any, def *txn.Definition) error {
	h, ok := target.(*handle)
	if !ok {
		return txn.NewError(txn.KindIllegalState, "foreign transaction handle")
	}

	txCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		txCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	tx, err := a.db.BeginTx(txCtx, &sql.TxOptions{
		Isolation: isolationLevel(def.Isolation),
		ReadOnly:  def.ReadOnly,
	})
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return err
	}

	holder := &txHolder{tx: tx, cancel: cancel, active: true}
	if scope, ok := txn.ScopeFrom(ctx); ok {
		if scope.Resource(a.db) != nil {
			if _, err := scope.UnbindResource(a.db); err != nil {
				return err
			}
		}
		if err := scope.BindResource(a.db, holder); err != nil {
			return err
		}
	}
	h.holder = holder
	return nil
}

// Commit commits the live database transaction
func (a *Adapter) Commit(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	defer holder.release()
	return holder.tx.Commit()
}

// Rollback rolls the live database transaction back
func (a *Adapter) Rollback(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	defer holder.release()
	return holder.tx.Rollback()
}

// Suspend detaches the live transaction from the calling scope, returning it
// for a later Resume. The database transaction itself stays open.
func (a *Adapter) Suspend(ctx context.Context, target any) (any, error) {
	holder, err := liveHolder(target)
	if err != nil {
		return nil, err
	}
	if scope, ok := txn.ScopeFrom(ctx); ok && scope.Resource(a.db) == holder {
		if _, err := scope.UnbindResource(a.db); err != nil {
			return nil, err
		}
	}
	if h, ok := target.(*handle); ok {
		h.holder = nil
	}
	return holder, nil
}

// Resume rebinds a previously suspended transaction to the calling scope
func (a *Adapter) Resume(ctx context.Context, target, suspended any) error {
	holder, ok := suspended.(*txHolder)
	if !ok {
		return txn.NewError(txn.KindIllegalState, "foreign suspended resource")
	}
	if scope, sok := txn.ScopeFrom(ctx); sok {
		if scope.Resource(a.db) != nil {
			if _, err := scope.UnbindResource(a.db); err != nil {
				return err
			}
		}
		if err := scope.BindResource(a.db, holder); err != nil {
			return err
		}
	}
	if h, hok := target.(*handle); hok {
		h.holder = holder
	}
	return nil
}

// SetRollbackOnly marks the live transaction so every participant sees the
// global rollback decision
func (a *Adapter) SetRollbackOnly(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	holder.rollbackOnly = true
	return nil
}

// CleanupAfterCompletion releases the scope binding left by a completed
// transaction
func (a *Adapter) CleanupAfterCompletion(ctx context.Context, target any) {
	h, ok := target.(*handle)
	if !ok || h.holder == nil {
		return
	}
	if scope, sok := txn.ScopeFrom(ctx); sok && scope.Resource(a.db) == h.holder {
		_, _ = scope.UnbindResource(a.db)
	}
	h.holder.release()
}

// UseSavepointForNested reports that nested transactions run on savepoints
func (a *Adapter) UseSavepointForNested() bool {
	return true
}

// RollbackOnly reports the global rollback-only marker of the underlying
// transaction
func (h *handle) RollbackOnly() bool {
	return h.holder != nil && h.holder.rollbackOnly
}

// CreateSavepoint creates a database savepoint inside the live transaction
func (h *handle) CreateSavepoint(ctx context.Context) (any, error) {
	holder, err := liveHolder(h)
	if err != nil {
		return nil, err
	}
	holder.savepoints++
	name := fmt.Sprintf("txn_sp_%d", holder.savepoints)
	if _, err := holder.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, err
	}
	return name, nil
}

// RollbackToSavepoint rolls the live transaction back to the savepoint
func (h *handle) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	holder, name, err := h.savepointTarget(savepoint)
	if err != nil {
		return err
	}
	_, err = holder.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// ReleaseSavepoint releases the savepoint
func (h *handle) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	holder, name, err := h.savepointTarget(savepoint)
	if err != nil {
		return err
	}
	_, err = holder.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (h *handle) savepointTarget(savepoint any) (*txHolder, string, error) {
	holder, err := liveHolder(h)
	if err != nil {
		return nil, "", err
	}
	name, ok := savepoint.(string)
	if !ok || name == "" {
		return nil, "", txn.NewError(txn.KindIllegalState, "foreign savepoint")
	}
	return holder, name, nil
}

// liveHolder extracts the live transaction holder from an engine-supplied
// handle
func liveHolder(target any) (*txHolder, error) {
	h, ok := target.(*handle)
	if !ok {
		return nil, txn.NewError(txn.KindIllegalState, "foreign transaction handle")
	}
	if h.holder == nil || !h.holder.active {
		return nil, txn.NewError(txn.KindIllegalState, "no live transaction")
	}
	return h.holder, nil
}

// isolationLevel maps the engine isolation constants onto database/sql levels
func isolationLevel(level txn.Isolation) sql.IsolationLevel {
	switch level {
	case txn.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case txn.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case txn.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case txn.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}
