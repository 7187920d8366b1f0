package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Querier is the query surface shared by the connection pool and an open
// transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

// Conn returns the open transaction carried on the context, falling back to
// the pool when none is present. Repositories route statements through this
// so a caller-owned transaction sees every read and write made on its behalf.
func Conn(ctx context.Context, db DB) Querier {
	tx, ok := ctx.Value(txKey).(Tx)
	if ok && tx != nil && tx.IsOpen() {
		if status, ok := ctx.Value(txStatusKey).(string); ok && status == "open" {
			return tx
		}
	}
	return db
}
