package internal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lychee-technology/orma"
)

// SQLBackend runs sessions on a database/sql pool: lib/pq for PostgreSQL, modernc.org/sqlite
// for embedded databases and tests.
type SQLBackend struct {
	db        *sql.DB
	dialect   orma.Dialect
	isolation sql.IsolationLevel
}

var _ orma.Backend = (*SQLBackend)(nil)

// NewSQLBackend wraps db.
func NewSQLBackend(db *sql.DB, dialect orma.Dialect, isolation string) (*SQLBackend, error) {
	level, err := sqlIsolation(isolation)
	if err != nil {
		return nil, err
	}
	return &SQLBackend{db: db, dialect: dialect, isolation: level}, nil
}

func sqlIsolation(name string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return sql.LevelDefault, nil
	case "read uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read committed":
		return sql.LevelReadCommitted, nil
	case "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	}
	return 0, orma.NewConfigurationError(orma.ErrCodeInvalidConfiguration, fmt.Sprintf("unknown isolation level %q", name))
}

func (b *SQLBackend) Begin(ctx context.Context) (orma.Tx, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: b.isolation})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (b *SQLBackend) Dialect() orma.Dialect { return b.dialect }

// DB exposes the pool for schema setup.
func (b *SQLBackend) DB() *sql.DB { return b.db }

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (orma.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Columns() []string {
	cols, _ := r.rows.Columns()
	return cols
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }

func (r *sqlRows) Err() error { return r.rows.Err() }

func (r *sqlRows) Close() { _ = r.rows.Close() }
