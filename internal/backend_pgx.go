package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/orma"
)

// PgxPool is the part of *pgxpool.Pool the backend needs; pgxmock pools satisfy it in tests.
type PgxPool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PgxBackend runs sessions on a pgx connection pool.
type PgxBackend struct {
	pool      PgxPool
	isolation pgx.TxIsoLevel
}

var _ orma.Backend = (*PgxBackend)(nil)

// NewPgxBackend wraps pool. isolation is a SQL isolation level name such as "read committed";
// empty uses the server default.
func NewPgxBackend(pool PgxPool, isolation string) (*PgxBackend, error) {
	level, err := pgxIsolation(isolation)
	if err != nil {
		return nil, err
	}
	return &PgxBackend{pool: pool, isolation: level}, nil
}

func pgxIsolation(name string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return "", nil
	case "read uncommitted":
		return pgx.ReadUncommitted, nil
	case "read committed":
		return pgx.ReadCommitted, nil
	case "repeatable read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	}
	return "", orma.NewConfigurationError(orma.ErrCodeInvalidConfiguration, fmt.Sprintf("unknown isolation level %q", name))
}

func (b *PgxBackend) Begin(ctx context.Context) (orma.Tx, error) {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: b.isolation})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgxTx{tx: tx}, nil
}

func (b *PgxBackend) Dialect() orma.Dialect { return PostgresDialect{} }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (orma.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Columns() []string {
	fields := r.rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func (r *pgxRows) Next() bool { return r.rows.Next() }

// Scan hands decoded values to *any destinations.
func (r *pgxRows) Scan(dest ...any) error {
	values, err := r.rows.Values()
	if err != nil {
		return err
	}
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(values))
	}
	for i, d := range dest {
		p, ok := d.(*any)
		if !ok {
			return fmt.Errorf("scan: destination %d is %T, want *any", i, d)
		}
		*p = values[i]
	}
	return nil
}

func (r *pgxRows) Err() error { return r.rows.Err() }

func (r *pgxRows) Close() { r.rows.Close() }
