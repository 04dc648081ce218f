// Package db opens the relational databases backing matrixvault and applies
// the schema. SQLite is served by mattn/go-sqlite3 and Postgres by the pgx
// database/sql driver.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour of an opened database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect maps a configuration name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unknown sql dialect %q", name)
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) driverName() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

// Rebind rewrites ? placeholders into the dialect's positional form.
// Queries in this module never contain a literal question mark.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DB couples a connection pool with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Rebind is shorthand for d.Dialect.Rebind.
func (d *DB) Rebind(query string) string {
	return d.Dialect.Rebind(query)
}

// IsMemoryDSN reports whether an SQLite DSN refers to a private in-memory
// database.
func IsMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:")
}

// sqliteDSN appends the connection parameters every pooled connection needs.
// PRAGMA statements issued through db.Exec would only reach one connection.
func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !IsMemoryDSN(path) {
		params += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

// Open opens the database described by dialect and dsn and applies the
// schema. For SQLite the dsn is a file path (created with 0600 permissions)
// or ":memory:".
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn cannot be empty")
	}

	connStr := dsn
	if dialect == SQLite {
		if !IsMemoryDSN(dsn) {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		connStr = sqliteDSN(dsn)
	}

	sqlDB, err := sql.Open(dialect.driverName(), connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dialect == SQLite && IsMemoryDSN(dsn) {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == SQLite && !IsMemoryDSN(dsn) {
		// Set file permissions to 600 (owner read/write only)
		if err := os.Chmod(dsn, 0o600); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to set permissions: %w", err)
		}
	}

	d := &DB{DB: sqlDB, Dialect: dialect}
	if err := InitSchema(ctx, d); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// InitSchema creates the matrixvault tables if they do not exist.
func InitSchema(ctx context.Context, d *DB) error {
	if d.Dialect == SQLite {
		if _, err := d.ExecContext(ctx, SQLiteSchema); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		return nil
	}
	for _, stmt := range PostgresSchema {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// BoolToInt converts the BOOLEAN columns stored as integers.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
