// Package sqlengine is the shared storage.Backend implementation that
// storage/sqlite and storage/postgres wrap with a concrete database/sql
// driver. Every entity row is stored once in a narrow "rows" table and
// once more, per property, in one of three attribute-value side tables
// keyed by property id rather than by column — the same entity-attribute
// -value shape a full-text index's field_number/field_date/field_bool
// tables use, generalized here to cover every declared property type
// instead of only the ones a search index needs to range-filter.
//
// Leaf predicates compile to a self-contained "SELECT id FROM ..."
// fragment against the relevant side table; Combine nests two fragments
// inside an INTERSECT or UNION, mirroring the planner's CTE algebra
// without needing named CTEs since a builder's condition tree is
// assembled incrementally rather than all at once. Cross-type ordering
// (an OrderFlags on one property, compared against rows that may have
// NULL there) is resolved in Go rather than SQL, and so are the distinct,
// null-substitution and aggregate computations of the property-scoped
// retrievals in aggregate.go.
package sqlengine

import (
	"github.com/entitykv/entitykv/storage/sqlbuilder"
)

// Dialect captures what differs between the SQL engines storage/sqlite
// and storage/postgres plug in: how a bound parameter is spelled and what
// column types the DDL declares.
type Dialect interface {
	Style() sqlbuilder.PlaceholderStyle
	DDL() string

	// IsTemporary classifies a driver error as safe to retry: a SQLite
	// "database is locked" or a PostgreSQL serialization_failure /
	// deadlock_detected, for example.
	IsTemporary(err error) bool
}

func rebind(sql string, d Dialect) string {
	return sqlbuilder.Rebind(sql, d.Style())
}
