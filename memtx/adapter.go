package memtx

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ifabos/go-txn/txn"
)

// Adapter drives Store transactions on behalf of the txn engine. It supports
// every optional engine capability: suspension, rollback-only participation,
// savepoint-based nesting and completion cleanup. Isolation levels are
// accepted but not differentiated; the store always reads committed state
// under its own lock.
type Adapter struct {
	store *Store
}

// NewAdapter creates an adapter managing transactions on store
func NewAdapter(store *Store) *Adapter {
	return &Adapter{store: store}
}

// NewManager creates a transaction manager for store
func NewManager(store *Store, opts ...txn.Option) *txn.Manager {
	return txn.NewManager(NewAdapter(store), opts...)
}

// handle is the engine-facing transaction object: a view onto the live
// transaction bound to the calling scope, possibly empty
type handle struct {
	tx *transaction
}

// FetchTransaction returns a handle onto whatever transaction is bound to
// the calling scope for this store
func (a *Adapter) FetchTransaction(ctx context.Context) (any, error) {
	h := &handle{}
	if scope, ok := txn.ScopeFrom(ctx); ok {
		h.tx, _ = scope.Resource(a.store).(*transaction)
	}
	return h, nil
}

// IsExisting reports whether the handle refers to a live transaction
func (a *Adapter) IsExisting(target any) bool {
	h, ok := target.(*handle)
	return ok && h.tx != nil && h.tx.active
}

// Begin starts a new store transaction and binds it to the calling scope
func (a *Adapter) Begin(ctx context.Context, target any, def *txn.Definition) error {
	h, ok := target.(*handle)
	if !ok {
		return txn.NewError(txn.KindIllegalState, "foreign transaction handle")
	}
	tx := &transaction{
		id:       uuid.NewString(),
		store:    a.store,
		readOnly: def.ReadOnly,
		active:   true,
	}
	if def.Timeout > 0 {
		tx.deadline = time.Now().Add(def.Timeout)
	}
	if scope, ok := txn.ScopeFrom(ctx); ok {
		if scope.Resource(a.store) != nil {
			if _, err := scope.UnbindResource(a.store); err != nil {
				return err
			}
		}
		if err := scope.BindResource(a.store, tx); err != nil {
			return err
		}
	}
	h.tx = tx
	return nil
}

// Commit applies the transaction's write log to the store
func (a *Adapter) Commit(ctx context.Context, status *txn.Status) error {
	tx, err := liveTransaction(status.Transaction())
	if err != nil {
		return err
	}
	if err := tx.expired(); err != nil {
		return err
	}
	a.store.apply(tx.log)
	tx.log = nil
	tx.active = false
	return nil
}

// Rollback discards the transaction's write log
func (a *Adapter) Rollback(ctx context.Context, status *txn.Status) error {
	tx, err := liveTransaction(status.Transaction())
	if err != nil {
		return err
	}
	tx.log = nil
	tx.active = false
	return nil
}

// Suspend detaches the live transaction from the calling scope so an inner
// transaction can take its place, returning it for a later Resume
func (a *Adapter) Suspend(ctx context.Context, target any) (any, error) {
	tx, err := liveTransaction(target)
	if err != nil {
		return nil, err
	}
	if scope, ok := txn.ScopeFrom(ctx); ok && scope.Resource(a.store) == tx {
		if _, err := scope.UnbindResource(a.store); err != nil {
			return nil, err
		}
	}
	if h, ok := target.(*handle); ok {
		h.tx = nil
	}
	return tx, nil
}

// Resume rebinds a previously suspended transaction to the calling scope
func (a *Adapter) Resume(ctx context.Context, target, suspended any) error {
	tx, ok := suspended.(*transaction)
	if !ok {
		return txn.NewError(txn.KindIllegalState, "foreign suspended resource")
	}
	if scope, sok := txn.ScopeFrom(ctx); sok {
		if scope.Resource(a.store) != nil {
			if _, err := scope.UnbindResource(a.store); err != nil {
				return err
			}
		}
		if err := scope.BindResource(a.store, tx); err != nil {
			return err
		}
	}
	if h, hok := target.(*handle); hok {
		h.tx = tx
	}
	return nil
}

// SetRollbackOnly marks the live transaction so every participant sees the
// global rollback decision
func (a *Adapter) SetRollbackOnly(ctx context.Context, status *txn.Status) error {
	tx, err := liveTransaction(status.Transaction())
	if err != nil {
		return err
	}
	tx.rollbackOnly = true
	return nil
}

// CleanupAfterCompletion releases the scope binding left by a completed
// transaction
func (a *Adapter) CleanupAfterCompletion(ctx context.Context, target any) {
	h, ok := target.(*handle)
	if !ok || h.tx == nil {
		return
	}
	if scope, sok := txn.ScopeFrom(ctx); sok && scope.Resource(a.store) == h.tx {
		_, _ = scope.UnbindResource(a.store)
	}
	h.tx.active = false
}

// UseSavepointForNested reports that nested transactions run on savepoints
func (a *Adapter) UseSavepointForNested() bool {
	return true
}

// RollbackOnly reports the global rollback-only marker of the underlying
// transaction
func (h *handle) RollbackOnly() bool {
	return h.tx != nil && h.tx.rollbackOnly
}

// CreateSavepoint marks the current write-log position
func (h *handle) CreateSavepoint(ctx context.Context) (any, error) {
	if h.tx == nil || !h.tx.active {
		return nil, txn.NewError(txn.KindIllegalState, "no live transaction for savepoint")
	}
	return len(h.tx.log), nil
}

// RollbackToSavepoint discards every write made after the savepoint
func (h *handle) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	mark, err := h.savepointMark(savepoint)
	if err != nil {
		return err
	}
	h.tx.log = h.tx.log[:mark]
	return nil
}

// ReleaseSavepoint forgets the savepoint; write-log positions need no
// release beyond validation
func (h *handle) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	_, err := h.savepointMark(savepoint)
	return err
}

func (h *handle) savepointMark(savepoint any) (int, error) {
	if h.tx == nil || !h.tx.active {
		return 0, txn.NewError(txn.KindIllegalState, "no live transaction for savepoint")
	}
	mark, ok := savepoint.(int)
	if !ok || mark < 0 || mark > len(h.tx.log) {
		return 0, txn.NewError(txn.KindIllegalState, "foreign savepoint")
	}
	return mark, nil
}

// liveTransaction extracts the live transaction from an engine-supplied
// handle
func liveTransaction(target any) (*transaction, error) {
	h, ok := target.(*handle)
	if !ok {
		return nil, txn.NewError(txn.KindIllegalState, "foreign transaction handle")
	}
	if h.tx == nil || !h.tx.active {
		return nil, txn.NewError(txn.KindIllegalState, "no live transaction")
	}
	return h.tx, nil
}
