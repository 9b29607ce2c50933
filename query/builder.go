// Package query is the fluent predicate builder and compiled-query
// executor: QueryBuilder accumulates typed conditions against a
// storage.Backend and compiles them into a repeatable Query; Query runs
// retrieval and mutation operations inside the backend's retry-wrapped
// transaction envelope; PropertyQuery narrows a compiled Query down to a
// single property for scalar and array retrieval and aggregation.
package query

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/schema"
	"github.com/entitykv/entitykv/storage"
)

// Decoder turns a raw storage.Row into a fully-populated T.
type Decoder[T any] func(row storage.Row) (T, error)

// operator names the pending combinator state a QueryBuilder tracks
// between leaf predicate calls: none, an explicit And() waiting for its
// right-hand side, or an explicit Or() waiting for its right-hand side.
type operator int

const (
	opNone operator = iota
	opAnd
	opOr
)

// QueryBuilder accumulates typed predicates for entity T against a single
// storage.Backend builder handle, using the sink-and-combine algebra:
// consecutive leaf predicates are implicitly AND-combined unless an
// explicit And()/Or() is pending, and explicit operators apply strictly
// left to right in call order (no precedence).
type QueryBuilder[T any] struct {
	mu     sync.Mutex
	store  storage.Store
	entity schema.EntityInfo[T]
	decode Decoder[T]

	handle storage.BuilderHandle
	closed bool
	err    error

	lastCondition   storage.ConditionHandle
	haveCondition   bool
	combineNextWith operator

	hasOrder   bool
	eager      []schema.EagerSpec
	filter     func(T) bool
	comparator func(a, b T) int
}

// NewQueryBuilder opens a new builder against store for the given entity,
// acquiring a fresh storage.BuilderHandle. Callers must eventually call
// Build or Close; a finalizer force-closes the handle if both are
// forgotten.
func NewQueryBuilder[T any](ctx context.Context, store storage.Store, entity schema.EntityInfo[T], decode Decoder[T]) (*QueryBuilder[T], error) {
	h, err := store.Backend().CreateBuilder(ctx, entity.Name)
	if err != nil {
		return nil, entitykv.Wrap(entitykv.ErrBackend, "create builder for "+entity.Name, err)
	}
	b := &QueryBuilder[T]{
		store:  store,
		entity: entity,
		decode: decode,
		handle: h,
	}
	runtime.SetFinalizer(b, func(b *QueryBuilder[T]) { _ = b.Close(context.Background()) })
	return b, nil
}

func (b *QueryBuilder[T]) backend() storage.Backend { return b.store.Backend() }

// leaf registers a compiled leaf condition produced by compile, applying
// the sink-and-combine algebra. It is the single choke point every
// predicate method funnels through.
func (b *QueryBuilder[T]) leaf(compile func() (storage.ConditionHandle, error)) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if b.closed {
		b.err = entitykv.New(entitykv.ErrIllegalState, "builder already closed")
		return b
	}
	c, err := compile()
	if err != nil {
		b.err = entitykv.Wrap(entitykv.ErrBackend, "compile predicate", err)
		return b
	}
	b.sink(c)
	return b
}

func (b *QueryBuilder[T]) sink(c storage.ConditionHandle) {
	if !b.haveCondition {
		b.lastCondition = c
		b.haveCondition = true
		return
	}
	if b.combineNextWith == opNone {
		// No explicit operator was requested: implicit AND, matching the
		// original binding's default sink behavior.
		b.combineNextWith = opAnd
	}
	useOr := b.combineNextWith == opOr
	combined, err := b.backend().Combine(context.Background(), b.handle, b.lastCondition, c, useOr)
	if err != nil {
		b.err = entitykv.Wrap(entitykv.ErrBackend, "combine conditions", err)
		return
	}
	b.lastCondition = combined
	b.combineNextWith = opNone
}

// And requests that the next leaf predicate be AND-combined with the
// previous one. It is a no-op distinguishing marker: leaves are ANDed by
// default, so And() only matters to make the intent explicit or to clear
// ambiguity after Or(). It fails with IllegalState if there is no
// previous condition, or if an operator is already pending.
func (b *QueryBuilder[T]) And() *QueryBuilder[T] {
	return b.setOperator(opAnd)
}

// Or requests that the next leaf predicate be OR-combined with the
// previous one.
func (b *QueryBuilder[T]) Or() *QueryBuilder[T] {
	return b.setOperator(opOr)
}

func (b *QueryBuilder[T]) setOperator(op operator) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if !b.haveCondition {
		b.err = entitykv.New(entitykv.ErrIllegalState, "no previous condition to combine with")
		return b
	}
	if b.combineNextWith != opNone {
		b.err = entitykv.New(entitykv.ErrIllegalState, "another combinator is already pending")
		return b
	}
	b.combineNextWith = op
	return b
}

// ---- nullness ----

func (b *QueryBuilder[T]) IsNull(prop schema.PropertyRef) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().IsNull(context.Background(), b.handle, prop.ID)
	})
}

func (b *QueryBuilder[T]) NotNull(prop schema.PropertyRef) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().NotNull(context.Background(), b.handle, prop.ID)
	})
}

// ---- integer ----

func (b *QueryBuilder[T]) Equal(prop schema.PropertyRef, value int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().EqualInt(context.Background(), b.handle, prop.ID, value)
	})
}

func (b *QueryBuilder[T]) NotEqual(prop schema.PropertyRef, value int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().NotEqualInt(context.Background(), b.handle, prop.ID, value)
	})
}

func (b *QueryBuilder[T]) Less(prop schema.PropertyRef, value int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().LessInt(context.Background(), b.handle, prop.ID, value)
	})
}

func (b *QueryBuilder[T]) Greater(prop schema.PropertyRef, value int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().GreaterInt(context.Background(), b.handle, prop.ID, value)
	})
}

func (b *QueryBuilder[T]) Between(prop schema.PropertyRef, v1, v2 int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().BetweenInt(context.Background(), b.handle, prop.ID, v1, v2)
	})
}

func (b *QueryBuilder[T]) In(prop schema.PropertyRef, values []int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().InInt64(context.Background(), b.handle, prop.ID, values, false)
	})
}

func (b *QueryBuilder[T]) NotIn(prop schema.PropertyRef, values []int64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().InInt64(context.Background(), b.handle, prop.ID, values, true)
	})
}

func (b *QueryBuilder[T]) In32(prop schema.PropertyRef, values []int32) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().InInt32(context.Background(), b.handle, prop.ID, values, false)
	})
}

func (b *QueryBuilder[T]) NotIn32(prop schema.PropertyRef, values []int32) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().InInt32(context.Background(), b.handle, prop.ID, values, true)
	})
}

// ---- boolean (carried to the backend as 0/1 longs) ----

func (b *QueryBuilder[T]) EqualBool(prop schema.PropertyRef, value bool) *QueryBuilder[T] {
	return b.Equal(prop, boolToLong(value))
}

func (b *QueryBuilder[T]) NotEqualBool(prop schema.PropertyRef, value bool) *QueryBuilder[T] {
	return b.NotEqual(prop, boolToLong(value))
}

func boolToLong(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// ---- date (carried to the backend as epoch-millisecond longs) ----

func (b *QueryBuilder[T]) EqualDate(prop schema.PropertyRef, value *time.Time) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if value == nil {
		b.err = entitykv.New(entitykv.ErrInvalidArgument, "equal() on a date property requires a non-nil value")
		return b
	}
	return b.Equal(prop, value.UnixMilli())
}

func (b *QueryBuilder[T]) NotEqualDate(prop schema.PropertyRef, value *time.Time) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if value == nil {
		b.err = entitykv.New(entitykv.ErrInvalidArgument, "notEqual() on a date property requires a non-nil value")
		return b
	}
	return b.NotEqual(prop, value.UnixMilli())
}

func (b *QueryBuilder[T]) LessDate(prop schema.PropertyRef, value *time.Time) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if value == nil {
		b.err = entitykv.New(entitykv.ErrInvalidArgument, "less() on a date property requires a non-nil value")
		return b
	}
	return b.Less(prop, value.UnixMilli())
}

func (b *QueryBuilder[T]) GreaterDate(prop schema.PropertyRef, value *time.Time) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if value == nil {
		b.err = entitykv.New(entitykv.ErrInvalidArgument, "greater() on a date property requires a non-nil value")
		return b
	}
	return b.Greater(prop, value.UnixMilli())
}

func (b *QueryBuilder[T]) BetweenDate(prop schema.PropertyRef, v1, v2 *time.Time) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if v1 == nil || v2 == nil {
		b.err = entitykv.New(entitykv.ErrInvalidArgument, "between() on a date property requires two non-nil values")
		return b
	}
	return b.Between(prop, v1.UnixMilli(), v2.UnixMilli())
}

// ---- floating point ----

func (b *QueryBuilder[T]) LessFloat(prop schema.PropertyRef, value float64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().LessFloat(context.Background(), b.handle, prop.ID, value)
	})
}

func (b *QueryBuilder[T]) GreaterFloat(prop schema.PropertyRef, value float64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().GreaterFloat(context.Background(), b.handle, prop.ID, value)
	})
}

func (b *QueryBuilder[T]) BetweenFloat(prop schema.PropertyRef, v1, v2 float64) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().BetweenFloat(context.Background(), b.handle, prop.ID, v1, v2)
	})
}

// EqualFloat has no exact native counterpart (floating point equality is
// unreliable); it widens to a [value-tolerance, value+tolerance] Between,
// matching the original binding's documented workaround.
func (b *QueryBuilder[T]) EqualFloat(prop schema.PropertyRef, value, tolerance float64) *QueryBuilder[T] {
	return b.BetweenFloat(prop, value-tolerance, value+tolerance)
}

// ---- strings ----

func resolveStringOrder(order []storage.StringOrder) storage.StringOrder {
	if len(order) == 0 {
		return storage.CaseInsensitive
	}
	return order[0]
}

func (b *QueryBuilder[T]) EqualString(prop schema.PropertyRef, value string, order ...storage.StringOrder) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().EqualString(context.Background(), b.handle, prop.ID, value, resolveStringOrder(order))
	})
}

func (b *QueryBuilder[T]) NotEqualString(prop schema.PropertyRef, value string, order ...storage.StringOrder) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().NotEqualString(context.Background(), b.handle, prop.ID, value, resolveStringOrder(order))
	})
}

func (b *QueryBuilder[T]) ContainsString(prop schema.PropertyRef, value string, order ...storage.StringOrder) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().ContainsString(context.Background(), b.handle, prop.ID, value, resolveStringOrder(order))
	})
}

func (b *QueryBuilder[T]) StartsWithString(prop schema.PropertyRef, value string, order ...storage.StringOrder) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().StartsWithString(context.Background(), b.handle, prop.ID, value, resolveStringOrder(order))
	})
}

func (b *QueryBuilder[T]) EndsWithString(prop schema.PropertyRef, value string, order ...storage.StringOrder) *QueryBuilder[T] {
	return b.leaf(func() (storage.ConditionHandle, error) {
		return b.backend().EndsWithString(context.Background(), b.handle, prop.ID, value, resolveStringOrder(order))
	})
}

// ---- ordering ----

// Order adds an ascending ordering clause on prop. Ordering clauses apply
// in the sequence they were added.
func (b *QueryBuilder[T]) Order(prop schema.PropertyRef) *QueryBuilder[T] {
	return b.OrderFlags(prop, 0)
}

// OrderDesc adds a descending ordering clause on prop.
func (b *QueryBuilder[T]) OrderDesc(prop schema.PropertyRef) *QueryBuilder[T] {
	return b.OrderFlags(prop, storage.Descending)
}

// OrderFlags adds an ordering clause with explicit flags (case
// sensitivity, null placement, unsigned comparison).
func (b *QueryBuilder[T]) OrderFlags(prop schema.PropertyRef, flags storage.OrderFlags) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if b.combineNextWith != opNone {
		b.err = entitykv.New(entitykv.ErrIllegalState, "a combinator is pending; finish the logic condition before ordering")
		return b
	}
	if err := b.backend().AddOrder(context.Background(), b.handle, prop.ID, flags); err != nil {
		b.err = entitykv.Wrap(entitykv.ErrBackend, "add order", err)
		return b
	}
	b.hasOrder = true
	return b
}

// ---- eager relations ----

// Eager configures one or more relations to be force-materialized on
// every result.
func (b *QueryBuilder[T]) Eager(rel schema.RelationDescriptor, more ...schema.RelationDescriptor) *QueryBuilder[T] {
	return b.EagerLimit(0, rel, more...)
}

// EagerLimit configures one or more relations to be force-materialized on
// only the first limit results (by index); limit == 0 means unlimited.
func (b *QueryBuilder[T]) EagerLimit(limit uint32, rel schema.RelationDescriptor, more ...schema.RelationDescriptor) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	b.eager = append(b.eager, schema.EagerSpec{Relation: rel, Limit: limit})
	for _, r := range more {
		b.eager = append(b.eager, schema.EagerSpec{Relation: r, Limit: limit})
	}
	return b
}

// ---- post-filter / comparator ----

// Filter attaches an in-process predicate applied to entities the
// backend's compiled query already matched. At most one filter may be
// attached; a second call fails with IllegalState. Find and ForEach apply
// the filter; FindIDs, Count, Remove and aggregate/property retrieval
// ignore it; FindFirst, FindUnique, FindOffset, FindLazy and
// FindLazyCached fail with Unsupported while it is set.
func (b *QueryBuilder[T]) Filter(f func(T) bool) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if b.filter != nil {
		b.err = entitykv.New(entitykv.ErrIllegalState, "a filter was already defined for this query")
		return b
	}
	b.filter = f
	return b
}

// Sort attaches an in-process comparator applied after filtering and
// eager resolution. Only one comparator may be attached.
func (b *QueryBuilder[T]) Sort(cmp func(a, b T) int) *QueryBuilder[T] {
	if b.err != nil {
		return b
	}
	if b.comparator != nil {
		b.err = entitykv.New(entitykv.ErrIllegalState, "a comparator was already defined for this query")
		return b
	}
	b.comparator = cmp
	return b
}

// Build compiles the accumulated predicate tree into a Query and releases
// the builder handle. The builder must not be used again afterward. Build
// fails with IllegalState if a combinator (And/Or) is left pending with
// no following leaf predicate.
func (b *QueryBuilder[T]) Build(ctx context.Context) (*Query[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return nil, b.err
	}
	if b.closed {
		return nil, entitykv.New(entitykv.ErrIllegalState, "builder already closed")
	}
	if b.combineNextWith != opNone {
		return nil, entitykv.New(entitykv.ErrIllegalState, "incomplete logic condition: And()/Or() with no following predicate")
	}

	qh, err := b.backend().Compile(ctx, b.handle, b.lastCondition)
	if err != nil {
		return nil, entitykv.Wrap(entitykv.ErrBackend, "compile query", err)
	}

	if err := b.closeLocked(ctx); err != nil {
		return nil, err
	}

	q := newQuery(b.store, qh, b.entity, b.decode, b.hasOrder, b.eager, b.filter, b.comparator)
	return q, nil
}

// Close releases the builder handle early, without compiling a Query.
// Close is idempotent.
func (b *QueryBuilder[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked(ctx)
}

func (b *QueryBuilder[T]) closeLocked(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	runtime.SetFinalizer(b, nil)
	if err := b.backend().DestroyBuilder(ctx, b.handle); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "destroy builder", err)
	}
	return nil
}
