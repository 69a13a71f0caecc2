package sqltx

import (
	"context"
	"database/sql"

	"github.com/ifabos/go-txn/txn"
)

// Queryer is the statement surface shared by *sql.DB and *sql.Tx. Data-access
// code written against it runs transactionally whenever the context carries a
// transaction and directly against the pool otherwise.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Current returns the statement runner for the calling context: the live
// transaction bound for db when there is one, db itself otherwise
func Current(ctx context.Context, db *sql.DB) Queryer {
	if tx, ok := Tx(ctx, db); ok {
		return tx
	}
	return db
}

// Tx returns the live *sql.Tx bound to the calling context for db
func Tx(ctx context.Context, db *sql.DB) (*sql.Tx, bool) {
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
