// Package pgxtx manages native pgx transactions through the txn engine. It
// accepts any transaction starter - *pgxpool.Pool and *pgx.Conn both qualify -
// and binds the live pgx.Tx to the transaction scope so data-access code
// reached through the same context runs on the transaction; nested
// transactions map onto SQL savepoints.
package pgxtx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ifabos/go-txn/txn"
)

// Beginner starts pgx transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Querier is the statement surface shared by pools, connections and live
// transactions
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Adapter drives pgx transactions on behalf of the txn engine
type Adapter struct {
	db Beginner
}

// NewAdapter creates an adapter starting transactions on db
func NewAdapter(db Beginner) *Adapter {
	return &Adapter{db: db}
}

// NewManager creates a transaction manager for db
func NewManager(db Beginner, opts ...txn.Option) *txn.Manager {
	return txn.NewManager(NewAdapter(db), opts...)
}

// Current returns the statement runner for the calling context: the live
// transaction bound for db when there is one, db itself otherwise. db must
// also satisfy Querier, which pools and connections do.
func Current(ctx context.Context, db Beginner) Querier {
	if tx, ok := Tx(ctx, db); ok {
		return tx
	}
	q, _ := db.(Querier)
	return q
}

// Tx returns the live pgx.Tx bound to the calling context for db
func Tx(ctx context.Context, db Beginner) (pgx.Tx, bool) {
	scope, ok := txn.ScopeFrom(ctx)
	if !ok {
		return nil, false
	}
	holder, _ := scope.Resource(db).(*txHolder)
	if holder == nil || !holder.active {
		return nil, false
	}
	return holder.tx, true
}

// txHolder is the scope-bound transaction state
type txHolder struct {
	tx           pgx.Tx
	active       bool
	rollbackOnly bool
	savepoints   int
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

// Begin opens a pgx transaction with the isolation level and access mode
// from the definition and binds it to the calling scope. A positive timeout
// bounds the transaction acquisition; statement deadlines ride on the
// caller's context.
func (a *Adapter) Begin(ctx context.Context, target any, def *txn.Definition) error {
	h, ok := target.(*handle)
	if !ok {
		return txn.NewError(txn.KindIllegalState, "foreign transaction handle")
	}

	beginCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		beginCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	tx, err := a.db.BeginTx(beginCtx, pgx.TxOptions{
		IsoLevel:   isoLevel(def.Isolation),
		AccessMode: accessMode(def.ReadOnly),
	})
	if err != nil {
		return err
	}

	holder := &txHolder{tx: tx, active: true}
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

// Commit commits the live pgx transaction
func (a *Adapter) Commit(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	holder.active = false
	return holder.tx.Commit(ctx)
}

// Rollback rolls the live pgx transaction back
func (a *Adapter) Rollback(ctx context.Context, status *txn.Status) error {
	holder, err := liveHolder(status.Transaction())
	if err != nil {
		return err
	}
	holder.active = false
	return holder.tx.Rollback(ctx)
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
	h.holder.active = false
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
	if _, err := holder.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
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
	_, err = holder.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

// ReleaseSavepoint releases the savepoint
func (h *handle) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	holder, name, err := h.savepointTarget(savepoint)
	if err != nil {
		return err
	}
	_, err = holder.tx.Exec(ctx, "RELEASE SAVEPOINT "+name)
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

// isoLevel maps the engine isolation constants onto pgx levels
func isoLevel(level txn.Isolation) pgx.TxIsoLevel {
	switch level {
	case txn.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case txn.IsolationReadCommitted:
		return pgx.ReadCommitted
	case txn.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case txn.IsolationSerializable:
		return pgx.Serializable
	default:
		return ""
	}
}

// accessMode maps the read-only flag onto the pgx access mode
func accessMode(readOnly bool) pgx.TxAccessMode {
	if readOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}
