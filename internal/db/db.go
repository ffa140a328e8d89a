package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the sqlx.DB for connection management. Queries are written with
// '?' placeholders and rebound for the active driver.
type DB struct {
	conn   *sqlx.DB
	driver string
}

// DriverFor picks the database driver from a DSN. postgres:// and
// postgresql:// URLs select lib/pq, anything else is opened as SQLite.
func DriverFor(dsn string) (driver, source string) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn
	case strings.HasPrefix(dsn, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite://")
	default:
		return DriverSQLite, dsn
	}
}

// New creates a new DB connection
func New(ctx context.Context, dsn string) (*DB, error) {
	driver, source := DriverFor(dsn)
	conn, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer; in-memory databases also live per connection
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &DB{conn: conn, driver: driver}, nil
}

// Wrap builds a DB around an existing connection, e.g. one from sqlmock.
func Wrap(conn *sql.DB, driver string) *DB {
	return &DB{conn: sqlx.NewDb(conn, driver), driver: driver}
}

// Close closes the DB connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Driver returns the driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Rebind converts '?' placeholders to the driver's bindvar style.
func (db *DB) Rebind(query string) string {
	return db.conn.Rebind(query)
}

// Exec executes a query
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.conn.Rebind(query), args...)
}

// QueryRow executes a query that is expected to return at most one row
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sqlx.Row {
	return db.conn.QueryRowxContext(ctx, db.conn.Rebind(query), args...)
}

// Get scans a single row into dest.
func (db *DB) Get(ctx context.Context, dest any, query string, args ...any) error {
	return db.conn.GetContext(ctx, dest, db.conn.Rebind(query), args...)
}

// Select scans all rows into dest, which must be a pointer to a slice.
func (db *DB) Select(ctx context.Context, dest any, query string, args ...any) error {
	return db.conn.SelectContext(ctx, dest, db.conn.Rebind(query), args...)
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetConn returns the underlying sqlx.DB
func (db *DB) GetConn() *sqlx.DB {
	return db.conn
}
