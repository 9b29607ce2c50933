package postgres

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestOpenRejectsInvalidSchemaNameBeforeConnecting(t *testing.T) {
	_, err := Open(context.Background(), "postgres://unused/unused", Options{Schema: "bad schema; drop table x"})
	if err == nil {
		t.Fatal("expected an error for an invalid schema name")
	}
	if !strings.Contains(err.Error(), "invalid schema name") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQuoteIdentWrapsInDoubleQuotes(t *testing.T) {
	if got := quoteIdent("entitykv"); got != `"entitykv"` {
		t.Fatalf("quoteIdent = %q, want %q", got, `"entitykv"`)
	}
}

func TestDialectDDLUsesPostgresTypes(t *testing.T) {
	ddl := dialect{}.DDL()
	for _, want := range []string{"BIGINT", "BYTEA", "DOUBLE PRECISION"} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("DDL missing %q:\n%s", want, ddl)
		}
	}
}

func TestIsTemporaryClassifiesRetryableStates(t *testing.T) {
	d := dialect{}
	if d.IsTemporary(nil) {
		t.Fatal("nil error must not be temporary")
	}
	if !d.IsTemporary(&pgconn.PgError{Code: "40001"}) {
		t.Fatal("serialization_failure must be temporary")
	}
	if !d.IsTemporary(&pgconn.PgError{Code: "40P01"}) {
		t.Fatal("deadlock_detected must be temporary")
	}
	if d.IsTemporary(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("unique_violation must not be temporary")
	}
}
