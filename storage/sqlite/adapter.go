// Package sqlite adapts storage/sqlengine's shared Backend implementation
// to a SQLite file (or in-memory) database, selectable between the
// pure-Go modernc.org/sqlite driver and the cgo-based mattn/go-sqlite3
// driver.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/entitykv/entitykv/reactive"
	"github.com/entitykv/entitykv/storage"
	"github.com/entitykv/entitykv/storage/sqlbuilder"
	"github.com/entitykv/entitykv/storage/sqlengine"
)

// DriverPureGo and DriverCGo name the two database/sql drivers this
// adapter can open a DSN with.
const (
	DriverPureGo = "sqlite"
	DriverCGo    = "sqlite3"
)

type dialect struct{}

func (dialect) Style() sqlbuilder.PlaceholderStyle { return sqlbuilder.PlaceholderQuestion }

func (dialect) DDL() string {
	return sqlengine.BuildDDL("INTEGER", "TEXT", "BLOB", "REAL")
}

func (dialect) IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Store pairs a SQLite-backed sqlengine.Engine with the retry policy the
// query layer wraps every transaction in, mirroring storage/memory.Store.
type Store struct {
	db       *sql.DB
	engine   *sqlengine.Engine
	attempts int
	backoff  time.Duration
}

// Options configures Open.
type Options struct {
	// Driver selects DriverPureGo (default) or DriverCGo.
	Driver string
	// Attempts and InitialBackoff configure the query layer's retry
	// policy, defaulting to 3 attempts / 10ms as in storage/memory.
	Attempts       int
	InitialBackoff time.Duration
}

// Open connects to the SQLite database at path (a filesystem path, or
// ":memory:"/"file::memory:?cache=shared" for an ephemeral one),
// ensures the schema exists, and returns a ready Store.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverPureGo
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	} else {
		dsn += "&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer; avoids SQLITE_BUSY under load

	if err := sqlengine.EnsureSchema(ctx, db, dialect{}); err != nil {
		return nil, err
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 3
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 10 * time.Millisecond
	}
	return &Store{
		db:       db,
		engine:   sqlengine.New(db, dialect{}),
		attempts: attempts,
		backoff:  backoff,
	}, nil
}

func (s *Store) Backend() storage.Backend      { return s.engine }
func (s *Store) Attempts() int                 { return s.attempts }
func (s *Store) InitialBackoff() time.Duration { return s.backoff }
func (s *Store) Pool() *reactive.WorkerPool    { return s.engine.Pool() }

// Engine exposes the concrete *sqlengine.Engine so tests (and migration
// tooling) can reach Put directly.
func (s *Store) Engine() *sqlengine.Engine { return s.engine }

// Close closes the underlying *sql.DB.
func (s *Store) Close() error { return s.db.Close() }
