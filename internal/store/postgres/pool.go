// Package postgres is the pgx-backed RelationalStore adapter: users,
// identity keys, signed/one-time pre-keys, messages, push tokens, and
// backup slots, grounded method-for-method on the original key/message
// repository queries this protocol was distilled from.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/obscura-chat/obscura-server/internal/apperror"
)

// Pool wraps a pgx connection pool; every repo in this package takes one.
type Pool struct {
	*pgxpool.Pool
}

// Open connects to Postgres using the given DSN.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperror.Internal("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperror.Internal("ping postgres", err)
	}
	return &Pool{pool}, nil
}

const pgForeignKeyViolation = "23503"

// mapErr turns raw pgx/postgres errors into the module's error kind.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NotFound("row not found")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return apperror.NotFound("foreign key violation: " + pgErr.ConstraintName)
	}
	return apperror.Internal("database error", err)
}

// withTx runs fn inside a serializable transaction, matching the isolation
// level upsert_keys requires for its takeover/refill decision to be safe
// under concurrent callers.
func withTx(ctx context.Context, pool *Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return apperror.Internal("begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.Internal("commit tx", err)
	}
	return nil
}
