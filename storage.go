package orma

import (
	"context"
)

// Dialect renders backend-specific SQL fragments.
type Dialect interface {
	Name() string
	// Placeholder returns the marker for the n-th bound argument, starting at 1.
	Placeholder(n int) string
	// Quote quotes an identifier.
	Quote(ident string) string
}

// Rows is a forward-only cursor over a result set.
type Rows interface {
	Columns() []string
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Executor runs statements.
type Executor interface {
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Tx is a backend transaction. Savepoints are issued through Exec.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Backend is the storage contract: it only needs transactions and a dialect.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	Dialect() Dialect
}
