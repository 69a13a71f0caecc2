package txn

import (
	"context"
	"errors"
)

// Execute runs fn inside a transaction resolved from def: the transaction
// is obtained with GetTransaction, fn runs with the transactional context,
// and the transaction is committed when fn returns nil or rolled back when
// it returns an error or panics. A panic is re-raised after the rollback.
//
// The fn error is what the caller sees; a rollback failure on top of it is
// joined to it. fn must not complete the transaction itself; it requests a
// rollback by returning the error that warrants it.
func (tm *Manager) Execute(ctx context.Context, def *Definition, fn func(ctx context.Context) error) error {
	st, err := tm.GetTransaction(ctx, def)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			tm.rollbackOnPanic(st, r)
			panic(r)
		}
	}()

	if err := fn(st.Context()); err != nil {
		if rbErr := tm.Rollback(st); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tm.Commit(st)
}

// ExecuteReadOnly runs fn like Execute, inside a read-only transaction with
// REQUIRED propagation
func (tm *Manager) ExecuteReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return tm.Execute(ctx, &Definition{ReadOnly: true}, fn)
}

// Run executes fn inside a transaction like Manager.Execute and passes its
// result through. On rollback the zero value is returned together with the
// error.
func Run[T any](ctx context.Context, tm *Manager, def *Definition, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := tm.Execute(ctx, def, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// rollbackOnPanic rolls the transaction back while a panic unwinds. The
// panic takes precedence, so a rollback failure is only logged.
func (tm *Manager) rollbackOnPanic(st *Status, cause any) {
	if st.IsCompleted() {
		return
	}
	if err := tm.Rollback(st); err != nil {
		tm.logger.Error("failed to roll back transaction during panic", "panic", cause, "error", err)
	}
}
