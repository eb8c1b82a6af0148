// Package engine wraps sqlx.DB with the database type and group id.
// Sqlite and postgres are supported, dialect-specific queries are kept in QueryMap.
package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver loaded here
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	gid    string        // group id, to allow per-group storage in the same database
	dbType Type          // type of the database engine
	lock   *sync.RWMutex // shared by all stores of a sqlite database, nil for other engines
}

// RWLocker is a read-write locker, stores lock it around every operation
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

// NoopLocker does nothing, used for engines handling concurrent access on their own
type NoopLocker struct{}

// Lock does nothing
func (NoopLocker) Lock() {}

// Unlock does nothing
func (NoopLocker) Unlock() {}

// RLock does nothing
func (NoopLocker) RLock() {}

// RUnlock does nothing
func (NoopLocker) RUnlock() {}

// New makes SQL engine for the connection string. Strings starting with postgres:// or postgresql://
// open postgres, anything else is a sqlite file with optional file://, file: or sqlite:// prefix.
func New(ctx context.Context, conn, gid string) (*SQL, error) {
	if conn == "" {
		return nil, fmt.Errorf("empty connection string")
	}
	if strings.HasPrefix(conn, "postgres://") || strings.HasPrefix(conn, "postgresql://") {
		return NewPostgres(ctx, conn, gid)
	}
	for _, prefix := range []string{"file://", "file:", "sqlite://"} {
		if strings.HasPrefix(conn, prefix) {
			conn = strings.TrimPrefix(conn, prefix)
			break
		}
	}
	return NewSqlite(conn, gid)
}

// NewSqlite creates a new sqlite database
func NewSqlite(file, gid string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return &SQL{}, err
	}
	if file == ":memory:" {
		db.SetMaxOpenConns(1) // each connection gets its own in-memory database
	}
	if err := setSqlitePragma(db); err != nil {
		return &SQL{}, err
	}
	return &SQL{DB: *db, gid: gid, dbType: Sqlite, lock: new(sync.RWMutex)}, nil
}

// NewPostgres creates a new postgres database connection
func NewPostgres(ctx context.Context, connURL, gid string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connURL)
	if err != nil {
		return &SQL{}, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &SQL{DB: *db, gid: gid, dbType: Postgres}, nil
}

// GID returns the group id
func (e *SQL) GID() string {
	return e.gid
}

// WithGID returns a copy of the engine sharing connection pool and lock, but with a different group id
func (e *SQL) WithGID(gid string) *SQL {
	return &SQL{DB: e.DB, gid: gid, dbType: e.dbType, lock: e.lock}
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// MakeLock returns the lock for stores of this database. Sqlite allows a single writer,
// so all stores of the same sqlite database share one mutex.
func (e *SQL) MakeLock() RWLocker {
	if e.dbType != Sqlite {
		return NoopLocker{}
	}
	if e.lock == nil {
		return new(sync.RWMutex)
	}
	return e.lock
}

// Adopt converts "?" placeholders to the engine's dialect, $1, $2... for postgres
func (e *SQL) Adopt(q string) string {
	if e.dbType != Postgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func setSqlitePragma(db *sqlx.DB) error {
	pragmas := map[string]string{
		"busy_timeout": "5000",
	}
	for name, value := range pragmas {
		if _, err := db.Exec("PRAGMA " + name + " = " + value); err != nil {
			return err
		}
	}
	return nil
}

// TableConfig defines how to create and migrate a table
type TableConfig struct {
	Name          string
	CreateTable   DBCmd
	CreateIndexes DBCmd
	MigrateFunc   func(ctx context.Context, tx *sqlx.Tx, gid string) error // optional
	QueriesMap    QueryMap
}

// InitTable creates the table with indexes and runs migration in a single transaction
func InitTable(ctx context.Context, db *SQL, cfg TableConfig) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}
	if cfg.QueriesMap == nil {
		return fmt.Errorf("queries map is not set for %s", cfg.Name)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	createTable, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateTable)
	if err != nil {
		return fmt.Errorf("failed to get create table query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create %s table: %w", cfg.Name, err)
	}

	if cfg.MigrateFunc != nil {
		if err = cfg.MigrateFunc(ctx, tx, db.GID()); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", cfg.Name, err)
		}
	}

	if cfg.QueriesMap.Has(cfg.CreateIndexes) {
		createIndexes, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateIndexes)
		if err != nil {
			return fmt.Errorf("failed to get create indexes query: %w", err)
		}
		if _, err = tx.ExecContext(ctx, createIndexes); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", cfg.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	log.Printf("[DEBUG] %s table initialized, engine: %s, gid: %q", cfg.Name, db.Type(), db.GID())
	return nil
}
