package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ctxKey int

const dbTxKey ctxKey = iota

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// UnitOfWork groups repository calls into one database transaction. Row
// locks taken with LockByID and outbox inserts share that transaction, so a
// payment status change and its event commit or roll back together.
type UnitOfWork struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

func NewUnitOfWork(pool *pgxpool.Pool) *UnitOfWork {
	return &UnitOfWork{pool: pool, opts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted}}
}

// Atomically runs fn inside a database transaction carried on the context.
// A nested call joins the outer transaction instead of opening a second one.
func (u *UnitOfWork) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := u.pool.BeginTx(ctx, u.opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, dbTxKey, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed (%v) after error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InTx reports whether ctx carries an open database transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(dbTxKey).(pgx.Tx)
	return ok
}

// ConnFromCtx returns the transaction on ctx, or the pool outside one.
func ConnFromCtx(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := ctx.Value(dbTxKey).(pgx.Tx); ok {
		return tx
	}
	return pool
}
