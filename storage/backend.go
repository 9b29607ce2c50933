// Package storage defines the capability the query layer consumes from an
// underlying transactional engine: handle lifecycle, predicate
// compilation, transaction envelopes, and the typed retrieval/aggregate
// primitives. Nothing in this package knows about QueryBuilder or Query;
// it is the seam a concrete storage adapter implements.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/entitykv/entitykv/reactive"
)

// ErrNotUnique is returned by Backend.FindUnique when more than one row
// matches the compiled query. The query layer translates it into an
// entitykv.Error of kind ErrNotUnique.
var ErrNotUnique = errors.New("storage: find_unique matched more than one row")

// BuilderHandle, QueryHandle and ConditionHandle are opaque handles owned
// by the backend. They are modeled as plain uint64s rather than pointers
// so a QueryBuilder/Query can carry them by value and zero them out on
// close without risking a dangling reference.
type BuilderHandle uint64
type QueryHandle uint64
type ConditionHandle uint64

// OrderFlags is a bitmask over the ordering modifiers a backend must
// honor. Bit positions are assigned here (this module owns them, unlike
// the original native binding where the engine assigns them), but are
// exposed as named constants per the stability requirement.
type OrderFlags uint32

const (
	Descending    OrderFlags = 1 << 0
	CaseSensitive OrderFlags = 1 << 1
	NullsLast     OrderFlags = 1 << 2
	NullsZero     OrderFlags = 1 << 3
	Unsigned      OrderFlags = 1 << 4
)

// StringOrder selects case sensitivity for string predicates and distinct
// semantics.
type StringOrder int

const (
	CaseInsensitive StringOrder = iota
	CaseSensitiveOrder
)

// TemporaryError is implemented by backend errors that are safe to retry.
// Logical errors (bad predicate, constraint violation) must not implement
// it; the query layer's retry loop only re-attempts when this interface is
// present and reports true.
type TemporaryError interface {
	Temporary() bool
}

// Tx is a transaction handle acquired from Backend.BeginRead or
// Backend.BeginWrite. Cursors obtained implicitly by the backend's
// execution primitives below are scoped to it and must not escape it.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the handle a QueryBuilder is bound to: it groups a Backend
// with the retry policy used by every repeatable Query built against it.
type Store interface {
	Backend() Backend
	// Attempts is the number of times a retryable transaction is
	// attempted before the last error is surfaced.
	Attempts() int
	// InitialBackoff is the delay before the second attempt; it doubles
	// on each subsequent retry.
	InitialBackoff() time.Duration
	// Pool is the shared worker pool used to run Publisher re-queries off
	// the caller's goroutine.
	Pool() *reactive.WorkerPool
}

// Backend is the capability consumed from the underlying storage engine:
// transactions, cursors, native predicate compilation, and execution. It
// is implemented by storage/memory (a reference implementation used for
// tests) and by the storage/sqlite and storage/postgres adapters.
type Backend interface {
	BeginRead(ctx context.Context) (Tx, error)
	BeginWrite(ctx context.Context) (Tx, error)

	CreateBuilder(ctx context.Context, entityName string) (BuilderHandle, error)
	DestroyBuilder(ctx context.Context, h BuilderHandle) error
	// Compile closes over the builder's accumulated predicate tree and
	// produces a repeatable query. root is the condition handle the
	// QueryBuilder's sink algebra reduced every leaf/combine call down
	// to; root == 0 means no predicate was added and the query matches
	// every row of the entity.
	Compile(ctx context.Context, h BuilderHandle, root ConditionHandle) (QueryHandle, error)
	DestroyQuery(ctx context.Context, h QueryHandle) error

	AddOrder(ctx context.Context, h BuilderHandle, propertyID uint32, flags OrderFlags) error
	Combine(ctx context.Context, h BuilderHandle, c1, c2 ConditionHandle, useOr bool) (ConditionHandle, error)

	// ---- nullness ----
	IsNull(ctx context.Context, h BuilderHandle, propertyID uint32) (ConditionHandle, error)
	NotNull(ctx context.Context, h BuilderHandle, propertyID uint32) (ConditionHandle, error)

	// ---- integer / boolean / date (boolean and date are carried as int64) ----
	EqualInt(ctx context.Context, h BuilderHandle, propertyID uint32, value int64) (ConditionHandle, error)
	NotEqualInt(ctx context.Context, h BuilderHandle, propertyID uint32, value int64) (ConditionHandle, error)
	LessInt(ctx context.Context, h BuilderHandle, propertyID uint32, value int64) (ConditionHandle, error)
	GreaterInt(ctx context.Context, h BuilderHandle, propertyID uint32, value int64) (ConditionHandle, error)
	BetweenInt(ctx context.Context, h BuilderHandle, propertyID uint32, v1, v2 int64) (ConditionHandle, error)
	InInt32(ctx context.Context, h BuilderHandle, propertyID uint32, values []int32, negate bool) (ConditionHandle, error)
	InInt64(ctx context.Context, h BuilderHandle, propertyID uint32, values []int64, negate bool) (ConditionHandle, error)

	// ---- floating point ----
	LessFloat(ctx context.Context, h BuilderHandle, propertyID uint32, value float64) (ConditionHandle, error)
	GreaterFloat(ctx context.Context, h BuilderHandle, propertyID uint32, value float64) (ConditionHandle, error)
	BetweenFloat(ctx context.Context, h BuilderHandle, propertyID uint32, v1, v2 float64) (ConditionHandle, error)

	// ---- strings ----
	EqualString(ctx context.Context, h BuilderHandle, propertyID uint32, value string, order StringOrder) (ConditionHandle, error)
	NotEqualString(ctx context.Context, h BuilderHandle, propertyID uint32, value string, order StringOrder) (ConditionHandle, error)
	ContainsString(ctx context.Context, h BuilderHandle, propertyID uint32, value string, order StringOrder) (ConditionHandle, error)
	StartsWithString(ctx context.Context, h BuilderHandle, propertyID uint32, value string, order StringOrder) (ConditionHandle, error)
	EndsWithString(ctx context.Context, h BuilderHandle, propertyID uint32, value string, order StringOrder) (ConditionHandle, error)

	// GetByID loads a single entity row by primary key, independent of any
	// compiled query. ForEach and the lazy list use it to re-fetch each id
	// returned by FindIDs one at a time.
	GetByID(ctx context.Context, tx Tx, entityName string, id int64) (Row, bool, error)

	// ---- execution ----
	FindFirst(ctx context.Context, tx Tx, h QueryHandle) (Row, bool, error)
	FindUnique(ctx context.Context, tx Tx, h QueryHandle) (Row, bool, error)
	FindList(ctx context.Context, tx Tx, h QueryHandle, offset, limit int64) ([]Row, error)
	FindIDs(ctx context.Context, tx Tx, h QueryHandle) ([]int64, error)
	Count(ctx context.Context, tx Tx, h QueryHandle) (uint64, error)
	Remove(ctx context.Context, tx Tx, h QueryHandle) (uint64, error)

	// ---- property-scoped retrieval ----
	FindStrings(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]string, error)
	FindLongs(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]int64, error)
	FindInts(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]int32, error)
	FindShorts(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]int16, error)
	FindChars(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]uint16, error)
	FindBytes(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]byte, error)
	FindFloats(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]float32, error)
	FindDoubles(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) ([]float64, error)

	FindNumber(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) (NumberResult, bool, error)
	FindString(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32, opts PropertyFindOptions) (string, bool, error)

	// ---- aggregates ----
	Sum(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (int64, error)
	SumDouble(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (float64, error)
	Max(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (int64, error)
	MaxDouble(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (float64, error)
	Min(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (int64, error)
	MinDouble(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (float64, error)
	Avg(ctx context.Context, tx Tx, h QueryHandle, propertyID uint32) (float64, error)

	// ---- parameter rebinding ----
	SetParameterString(ctx context.Context, h QueryHandle, propertyID uint32, value string) error
	SetParameterLong(ctx context.Context, h QueryHandle, propertyID uint32, value int64) error
	SetParameterDouble(ctx context.Context, h QueryHandle, propertyID uint32, value float64) error
	SetParametersLong(ctx context.Context, h QueryHandle, propertyID uint32, v1, v2 int64) error
	SetParametersDouble(ctx context.Context, h QueryHandle, propertyID uint32, v1, v2 float64) error
}

// Row is a single raw entity row as scanned back from the backend: the
// entity's id plus a decoder the caller uses to materialize a T.
type Row struct {
	ID     int64
	Decode func(dest any) error
}

// NumberResult carries a scalar numeric property value in every width the
// PropertyQuery scalar find methods need, analogous to the original
// binding's nativeFindNumber returning a boxed Number the caller
// downcasts. Only one field is meaningful per call; which one is
// determined by the caller's declared type.
type NumberResult struct {
	Long   int64
	Float  float32
	Double float64
}

// PropertyFindOptions configures a property-scoped retrieval: distinct
// semantics, null substitution, and uniqueness enforcement.
type PropertyFindOptions struct {
	Distinct       bool
	DistinctNoCase bool
	Unique         bool

	EnableNull bool
	NullString string
	NullLong   int64
	NullFloat  float32
	NullDouble float64
}
