package factory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/lychee-technology/orma"
	"github.com/lychee-technology/orma/internal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"
)

// NewSessionFactory registers entities and wires them to backend. This is the primary way for
// applications to obtain sessions.
//
// Usage:
//
//	import (
//	    "github.com/lychee-technology/orma"
//	    "github.com/lychee-technology/orma/factory"
//	)
//
//	config := orma.DefaultConfig()
//	backend, closeFn, err := factory.OpenBackend(ctx, config)
//	if err != nil {
//	    // handle error
//	}
//	defer closeFn()
//	sessions, err := factory.NewSessionFactory(config, backend, &Member{}, &Team{})
func NewSessionFactory(config *orma.Config, backend orma.Backend, entities ...any) (orma.SessionFactory, error) {
	if backend == nil {
		return nil, orma.NewConfigurationError(orma.ErrCodeInvalidConfiguration, "backend is required")
	}
	registry, err := internal.NewEntityRegistry(entities...)
	if err != nil {
		return nil, fmt.Errorf("failed to build entity registry: %w", err)
	}
	return internal.NewSessionFactory(registry, backend, config)
}

// NewPgxBackend wraps an existing pool, for callers that manage their own pgxpool.
func NewPgxBackend(config *orma.Config, pool *pgxpool.Pool) (orma.Backend, error) {
	return internal.NewPgxBackend(pool, config.Database.IsolationLevel)
}

// NewSQLBackend wraps an existing database/sql pool for the configured driver.
func NewSQLBackend(config *orma.Config, db *sql.DB) (orma.Backend, error) {
	switch config.Database.Driver {
	case orma.DriverSQLite:
		// sqlite has one isolation level
		return internal.NewSQLBackend(db, internal.SQLiteDialect{}, "")
	case orma.DriverPostgres, orma.DriverPgx:
		return internal.NewSQLBackend(db, internal.PostgresDialect{}, config.Database.IsolationLevel)
	}
	return nil, orma.NewConfigurationError(orma.ErrCodeUnsupportedDriver, fmt.Sprintf("unsupported driver %q", config.Database.Driver))
}

// OpenBackend connects to the database named by config and returns the backend with a function
// that releases the pool.
func OpenBackend(ctx context.Context, config *orma.Config) (orma.Backend, func(), error) {
	db := config.Database
	switch db.Driver {
	case orma.DriverPgx:
		pool, err := createDatabasePool(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		backend, err := internal.NewPgxBackend(pool, db.IsolationLevel)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		zap.S().Infow("connected", "driver", db.Driver, "host", db.Host, "database", db.Database)
		return backend, pool.Close, nil

	case orma.DriverPostgres, orma.DriverSQLite:
		conn, err := sql.Open(db.Driver, db.ConnectionString())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if db.Driver == orma.DriverSQLite {
			// a single connection keeps :memory: databases alive and avoids SQLITE_BUSY between writers
			conn.SetMaxOpenConns(1)
		} else {
			conn.SetMaxOpenConns(db.MaxConnections)
			conn.SetConnMaxLifetime(db.ConnMaxLifetime)
			conn.SetConnMaxIdleTime(db.ConnMaxIdleTime)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.PingContext(pingCtx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		backend, err := NewSQLBackend(config, conn)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		zap.S().Infow("connected", "driver", db.Driver, "database", db.Database)
		return backend, func() { _ = conn.Close() }, nil
	}
	return nil, nil, orma.NewConfigurationError(orma.ErrCodeUnsupportedDriver, fmt.Sprintf("unsupported driver %q", db.Driver))
}

// createDatabasePool creates a PostgreSQL connection pool
func createDatabasePool(ctx context.Context, config orma.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConnections > 0 {
		poolConfig.MaxConns = int32(config.MaxConnections)
	}
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime
	poolConfig.ConnConfig.ConnectTimeout = config.Timeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// NewLogger builds the process logger from the logging section: JSON in production, console
// output with format "console".
func NewLogger(config orma.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, orma.NewConfigurationError(orma.ErrCodeInvalidConfiguration, fmt.Sprintf("invalid log level %q", config.Level))
	}
	zc := zap.NewProductionConfig()
	if config.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
