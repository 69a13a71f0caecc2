// Package gormtx manages GORM transactions through the txn engine. The
// adapter begins transactions on a root *gorm.DB and binds the transaction
// handle to the transaction scope, so repositories fetching their DB through
// Current join the transaction of the calling context; nested transactions
// map onto SQL savepoints.
package gormtx

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"

	"github.com/ifabos/go-txn/txn"
)

// Adapter drives GORM transactions on behalf of the txn engine
type Adapter struct {
	db *gorm.DB
}

// NewAdapter creates an adapter starting transactions on the root db
func NewAdapter(db *gorm.DB) *Adapter {
	return &Adapter{db: db}
}

// NewManager creates a transaction manager for db
func NewManager(db *gorm.DB, opts ...txn.Option) *txn.Manager {
	return txn.NewManager(NewAdapter(db), opts...)
}

// Current returns the DB for the calling context: the live transaction bound
// for db when there is one, db itself otherwise. db must be the same root
// *gorm.DB the manager was built on.
func Current(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := Tx(ctx, db); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// Tx returns the live transaction bound to the calling context for db
func Tx(ctx context.Context, db *gorm.DB) (*gorm.DB, bool) {
	scope, ok := txn.ScopeFrom(ctx)
	if !ok {
		return nil, false
	}
	holder, _ := scope.Resource(db).(*txHolder)
	if holder == nil || !holder.active {
		return nil, false
	}
	return holder.gtx, true
}

// txHolder is the scope-bound transaction state
type txHolder struct {
	gtx          *gorm.DB
	cancel       context.CancelFunc
	active       bool
	rollbackOnly bool
	savepoints   int
}

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

// Begin opens a GORM transaction with the isolation level and read-only mode
// from the definition and binds it to the calling scope. A positive timeout
// puts a deadline on the transaction context; the driver rolls the
// transaction back when it expires.
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
	gtx := a.db.WithContext(txCtx).Begin(&sql.TxOptions{
		Isolation: isolationLevel(def.Isolation),
		ReadOnly:  def.ReadOnly,
	})
	if gtx.Error != nil {
		if cancel != nil {
			cancel()
		}
		return gtx.Error
	}

	holder := &txHolder{gtx: gtx, cancel: cancel, active: true}
	if scope, ok := txn.ScopeFrom(ctx); ok {
		if scope.Resource(a.db) != nil {
			if _, err := scope.UnbindResource(a.db); err != nil {
				holder.release()
				return err
			}
		}
		if err := scope.BindResource(a.db, holder); err != nil {
			holder.release()
			return err
		}
	}
	h.holder = holder
	return nil
}

// Commit commits the live GORM transaction
func (a *Adapter) Commit(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	defer holder.release()
	return holder.gtx.Commit().Error
}

// Rollback rolls the live GORM transaction back
func (a *Adapter) Rollback(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	defer holder.release()
	return holder.gtx.Rollback().Error
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
	if err := holder.gtx.SavePoint(name).Error; err != nil {
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
	return holder.gtx.RollbackTo(name).Error
}

// ReleaseSavepoint releases the savepoint. GORM has no release call of its
// own, so this runs the statement directly.
func (h *handle) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	holder, name, err := h.savepointTarget(savepoint)
	if err != nil {
		return err
	}
	return holder.gtx.Exec("RELEASE SAVEPOINT " + name).Error
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

// isolationLevel maps the engine isolation constants onto database/sql
// levels for gorm.DB.Begin
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
