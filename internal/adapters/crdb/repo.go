package crdb

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/show-seat-reservations/internal/domain"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	DeadlockDetectedCode     = "40P01"
	LockNotAvailableCode     = "55P03"
	QueryCanceledCode        = "57014"
	UniqueViolationCode      = "23505"

	DefaultLockTimeout = 5 * time.Second
)

// Repository is the seat ledger on CockroachDB. Every ledger method runs on
// the transaction carried in ctx when there is one, and on the pool
// otherwise.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Option func(*Repository)

// WithLockTimeout bounds how long a statement waits for a row lock before the
// transaction fails as a retryable conflict.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type txKey struct{}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	started := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(started).Seconds())
	}()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return classify(err)
	}
	return classify(tx.Commit(ctx))
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) db(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// mustTx returns the transaction in ctx. Locking reads and seat writes are
// only meaningful inside one.
func mustTx(ctx context.Context, op string) (pgx.Tx, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		return nil, errors.Newf("crdb: %s requires a transaction", op)
	}
	return tx, nil
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// classify turns lock waits, deadlock aborts, serialization failures and
// statement cancellations into retryable conflicts.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case SerializationFailureCode, DeadlockDetectedCode, LockNotAvailableCode, QueryCanceledCode:
			return domain.Retryable(err)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolationCode
}
