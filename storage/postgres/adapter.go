// Package postgres adapts storage/sqlengine's shared Backend
// implementation to PostgreSQL via pgx/v5, pinning every connection's
// search_path to a dedicated schema.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/entitykv/entitykv/reactive"
	"github.com/entitykv/entitykv/storage"
	"github.com/entitykv/entitykv/storage/sqlbuilder"
	"github.com/entitykv/entitykv/storage/sqlengine"
)

var schemaNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteIdent(ident string) string { return `"` + ident + `"` }

type dialect struct{}

func (dialect) Style() sqlbuilder.PlaceholderStyle { return sqlbuilder.PlaceholderDollar }

func (dialect) DDL() string {
	return sqlengine.BuildDDL("BIGINT", "TEXT", "BYTEA", "DOUBLE PRECISION")
}

// retryableSQLStates are the PostgreSQL error codes safe to retry: a
// serialization failure or deadlock from concurrent writers, or the
// server momentarily refusing new work.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
}

func (dialect) IsTemporary(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLStates[pgErr.Code]
	}
	return false
}

// Store pairs a PostgreSQL-backed sqlengine.Engine with the retry
// policy the query layer wraps every transaction in.
type Store struct {
	db       *sql.DB
	engine   *sqlengine.Engine
	attempts int
	backoff  time.Duration
}

// Options configures Open.
type Options struct {
	// Schema is the PostgreSQL schema every connection's search_path is
	// pinned to; it's created if missing. Defaults to "entitykv".
	Schema string
	// Attempts and InitialBackoff configure the query layer's retry
	// policy, defaulting to 3 attempts / 10ms as in storage/memory.
	Attempts       int
	InitialBackoff time.Duration
}

// Open connects to dsn, ensures Schema exists and is on the connection's
// search_path, then ensures the EAV schema within it. Connection happens
// in two phases: first a plain connection to create the schema, then a
// second one with search_path pinned to it.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	schema := opts.Schema
	if schema == "" {
		schema = "entitykv"
	}
	if !schemaNameRe.MatchString(schema) {
		return nil, fmt.Errorf("postgres: invalid schema name %q (must match %s)", schema, schemaNameRe.String())
	}

	cfg0, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	db0 := stdlib.OpenDB(*cfg0)
	if err := db0.PingContext(ctx); err != nil {
		db0.Close()
		return nil, err
	}
	if _, err := db0.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
		db0.Close()
		return nil, err
	}
	db0.Close()

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["search_path"] = fmt.Sprintf("%s,public", quoteIdent(schema))
	db := stdlib.OpenDB(*cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := sqlengine.EnsureSchema(ctx, db, dialect{}); err != nil {
		db.Close()
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

// Engine exposes the concrete *sqlengine.Engine so tests can reach Put
// directly.
func (s *Store) Engine() *sqlengine.Engine { return s.engine }

// Close closes the underlying *sql.DB.
func (s *Store) Close() error { return s.db.Close() }
