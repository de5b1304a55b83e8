// Package postgres implements store.Store against a single relational table
// using an INSERT ... ON CONFLICT ... DO UPDATE ... WHERE ... RETURNING
// statement: the same first-writer-wins guarantee the DynamoDB store gets
// from a conditional PutItem, expressed as a conditional upsert instead of a
// conditional insert so the logically-expired-row case can be reclaimed in
// one round trip rather than insert-then-fallback.
//
// Runner abstracts over a pool and a transaction the way this module's
// lineage's Postgres runner did, so a caller that wants Put/Update/Delete
// participating in a larger transaction can supply one.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runner is the subset of pgx's pool/tx surface a Store needs.
type Runner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type poolRunner struct {
	pool *pgxpool.Pool
}

func (r poolRunner) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return r.pool.Exec(ctx, sql, args...)
}

func (r poolRunner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.pool.QueryRow(ctx, sql, args...)
}

// RunnerFromPool adapts a *pgxpool.Pool to Runner.
func RunnerFromPool(pool *pgxpool.Pool) Runner {
	return poolRunner{pool: pool}
}

type txRunner struct {
	tx pgx.Tx
}

func (r txRunner) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return r.tx.Exec(ctx, sql, args...)
}

func (r txRunner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.tx.QueryRow(ctx, sql, args...)
}

// RunnerFromTx adapts a pgx.Tx to Runner, letting a caller fold Store
// operations into a larger transaction.
func RunnerFromTx(tx pgx.Tx) Runner {
	return txRunner{tx: tx}
}
