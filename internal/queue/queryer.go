package queue

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx. The package's
// private *Query helpers take a Querier, which lets FetchAndTouch run them
// inside its claim transaction. The exported Queue methods always run
// against the Queue's own pool; none of them accepts an outer transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is a Querier that can also start a transaction. *pgxpool.Pool
// satisfies this; a pgx.Tx does not (no nested transactions), which is
// intentional — FetchAndTouch always runs against the pool, never inside
// an already-open transaction.
type TxBeginner interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// rowScanner is implemented by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
