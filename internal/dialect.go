package internal

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lychee-technology/orma"
)

// PostgresDialect renders $n placeholders and pgx-sanitized identifiers.
type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (PostgresDialect) Quote(ident string) string { return sanitizeIdentifier(ident) }

// SQLiteDialect renders ? placeholders and double-quoted identifiers.
type SQLiteDialect struct{}

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Placeholder(int) string { return "?" }

func (SQLiteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(strings.Trim(ident, `"`), `"`, `""`) + `"`
}

// DialectFor returns the SQL dialect spoken by a configured driver.
func DialectFor(driver string) (orma.Dialect, error) {
	switch driver {
	case orma.DriverSQLite:
		return SQLiteDialect{}, nil
	case orma.DriverPostgres, orma.DriverPgx:
		return PostgresDialect{}, nil
	}
	return nil, orma.NewConfigurationError(orma.ErrCodeUnsupportedDriver, fmt.Sprintf("unsupported driver %q", driver))
}

var (
	_ orma.Dialect = PostgresDialect{}
	_ orma.Dialect = SQLiteDialect{}
)
