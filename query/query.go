package query

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/reactive"
	"github.com/entitykv/entitykv/schema"
	"github.com/entitykv/entitykv/storage"
)

// Query is a compiled, repeatable retrieval produced by
// QueryBuilder.Build. It owns a storage.QueryHandle and may be executed
// any number of times, optionally after rebinding parameters with
// SetParameter*. SetParameter* calls and Close are serialized against
// each other by mu; the retrieval methods do not take mu.
type Query[T any] struct {
	mu sync.Mutex

	store  storage.Store
	handle storage.QueryHandle
	entity schema.EntityInfo[T]
	decode Decoder[T]

	hasOrder   bool
	eager      []schema.EagerSpec
	filter     func(T) bool
	comparator func(a, b T) int

	closed    bool
	publisher *reactive.Publisher[T]
}

func newQuery[T any](store storage.Store, handle storage.QueryHandle, entity schema.EntityInfo[T], decode Decoder[T], hasOrder bool, eager []schema.EagerSpec, filter func(T) bool, comparator func(a, b T) int) *Query[T] {
	q := &Query[T]{
		store:      store,
		handle:     handle,
		entity:     entity,
		decode:     decode,
		hasOrder:   hasOrder,
		eager:      eager,
		filter:     filter,
		comparator: comparator,
	}
	q.publisher = reactive.NewPublisher(store.Pool(), func(ctx context.Context) ([]T, error) {
		return q.Find(ctx)
	})
	runtime.SetFinalizer(q, func(q *Query[T]) { _ = q.Close(context.Background()) })
	return q
}

func (q *Query[T]) backend() storage.Backend { return q.store.Backend() }

func (q *Query[T]) ensureOpen() error {
	if q.closed {
		return entitykv.New(entitykv.ErrIllegalState, "query already closed")
	}
	return nil
}

func (q *Query[T]) ensureNoFilterNoComparator(op string) error {
	if q.filter != nil {
		return entitykv.New(entitykv.ErrUnsupported, op+" does not support a post-filter")
	}
	if q.comparator != nil {
		return entitykv.New(entitykv.ErrUnsupported, op+" does not support a comparator")
	}
	return nil
}

func (q *Query[T]) decodeOne(row storage.Row) (T, error) {
	entity, err := q.decode(row)
	if err != nil {
		var zero T
		return zero, entitykv.Wrap(entitykv.ErrBackend, "decode row", err)
	}
	return entity, nil
}

// FindFirst returns the first matching entity, or (nil, nil) if no row
// matches. It fails with Unsupported if a post-filter or comparator is
// configured, since a post-filter could reject the one row the backend
// returns, silently changing "first" into "none" without the caller
// knowing why.
func (q *Query[T]) FindFirst(ctx context.Context) (*T, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if err := q.ensureNoFilterNoComparator("find_first"); err != nil {
		return nil, err
	}
	row, err := retryRead(ctx, q.store, func(ctx context.Context, tx storage.Tx) (*storage.Row, error) {
		r, found, err := q.backend().FindFirst(ctx, tx, q.handle)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return &r, nil
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	entity, err := q.decodeOne(*row)
	if err != nil {
		return nil, err
	}
	if err := resolveEagerOne(ctx, q.eager, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// FindUnique returns the single matching entity, or (nil, nil) if none
// matches. It fails with NotUnique if more than one row matches.
func (q *Query[T]) FindUnique(ctx context.Context) (*T, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if err := q.ensureNoFilterNoComparator("find_unique"); err != nil {
		return nil, err
	}
	row, err := retryRead(ctx, q.store, func(ctx context.Context, tx storage.Tx) (*storage.Row, error) {
		r, found, err := q.backend().FindUnique(ctx, tx, q.handle)
		if err != nil {
			if errors.Is(err, storage.ErrNotUnique) {
				return nil, entitykv.Wrap(entitykv.ErrNotUnique, "find_unique matched more than one row", err)
			}
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return &r, nil
	})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	entity, err := q.decodeOne(*row)
	if err != nil {
		return nil, err
	}
	if err := resolveEagerOne(ctx, q.eager, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

// Find returns every matching entity, with the post-filter, eager
// relations, and comparator applied in that order.
func (q *Query[T]) Find(ctx context.Context) ([]T, error) {
	return q.findRange(ctx, 0, 0, true)
}

// FindOffset returns the matching entities starting at offset (0-based),
// limited to at most limit results; limit == 0 means unlimited. It fails
// with Unsupported if a post-filter or comparator is configured, since
// either could change which rows land on a given page without the
// backend's offset/limit knowing to compensate.
func (q *Query[T]) FindOffset(ctx context.Context, offset, limit int64) ([]T, error) {
	if err := q.ensureNoFilterNoComparator("find_offset"); err != nil {
		return nil, err
	}
	return q.findRange(ctx, offset, limit, false)
}

func (q *Query[T]) findRange(ctx context.Context, offset, limit int64, applyPostOps bool) ([]T, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := retryRead(ctx, q.store, func(ctx context.Context, tx storage.Tx) ([]storage.Row, error) {
		return q.backend().FindList(ctx, tx, q.handle, offset, limit)
	})
	if err != nil {
		return nil, err
	}

	entities := make([]T, 0, len(rows))
	for _, row := range rows {
		entity, err := q.decodeOne(row)
		if err != nil {
			return nil, err
		}
		if applyPostOps && q.filter != nil && !q.filter(entity) {
			continue
		}
		entities = append(entities, entity)
	}

	for i := range entities {
		if err := resolveEagerIndexed(ctx, q.eager, &entities[i], i); err != nil {
			return nil, err
		}
	}

	if applyPostOps && q.comparator != nil {
		sort.SliceStable(entities, func(i, j int) bool {
			return q.comparator(entities[i], entities[j]) < 0
		})
	}

	return entities, nil
}

// FindIDs returns the ids of every matching entity without decoding any
// row. It fails with Unsupported if an ordering clause was configured.
// The post-filter and comparator, if any, are silently ignored.
func (q *Query[T]) FindIDs(ctx context.Context) ([]int64, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	if q.hasOrder {
		return nil, entitykv.New(entitykv.ErrUnsupported, "find_ids does not support an ordered query")
	}
	return retryRead(ctx, q.store, func(ctx context.Context, tx storage.Tx) ([]int64, error) {
		return q.backend().FindIDs(ctx, tx, q.handle)
	})
}

func (q *Query[T]) getByID(ctx context.Context, id int64) (*T, error) {
	row, err := retryRead(ctx, q.store, func(ctx context.Context, tx storage.Tx) (*storage.Row, error) {
		r, found, err := q.backend().GetByID(ctx, tx, q.entity.Name, id)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, entitykv.New(entitykv.ErrIllegalState, "internal error: entity disappeared between find_ids and get_by_id")
		}
		return &r, nil
	})
	if err != nil {
		return nil, err
	}
	entity, err := q.decodeOne(*row)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// FindLazy returns a LazyList that resolves each matching id to an entity
// on first access, without caching. It fails with Unsupported if a
// post-filter or comparator is configured.
func (q *Query[T]) FindLazy(ctx context.Context) (*LazyList[T], error) {
	return q.findLazy(ctx, false)
}

// FindLazyCached is FindLazy, but caches each entity after its first
// access.
func (q *Query[T]) FindLazyCached(ctx context.Context) (*LazyList[T], error) {
	return q.findLazy(ctx, true)
}

func (q *Query[T]) findLazy(ctx context.Context, cached bool) (*LazyList[T], error) {
	if err := q.ensureNoFilterNoComparator("find_lazy"); err != nil {
		return nil, err
	}
	ids, err := q.FindIDs(ctx)
	if err != nil {
		return nil, err
	}
	return newLazyList(q, ids, cached), nil
}

// ForEach streams every matching entity to consumer inside a single read
// transaction, stopping early (without error) if consumer returns
// entitykv.ErrBreakForEach. Any other error from consumer aborts
// iteration and propagates. It fails with Unsupported if a comparator is
// configured, since streaming delivery cannot sort ahead of time; the
// post-filter, by contrast, is applied per entity as it streams.
func (q *Query[T]) ForEach(ctx context.Context, consumer func(entity T) error) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if q.comparator != nil {
		return entitykv.New(entitykv.ErrUnsupported, "for_each does not support a comparator")
	}

	_, err := retryRead(ctx, q.store, func(ctx context.Context, tx storage.Tx) (struct{}, error) {
		ids, err := q.backend().FindIDs(ctx, tx, q.handle)
		if err != nil {
			return struct{}{}, err
		}
		for i, id := range ids {
			row, found, err := q.backend().GetByID(ctx, tx, q.entity.Name, id)
			if err != nil {
				return struct{}{}, err
			}
			if !found {
				return struct{}{}, entitykv.New(entitykv.ErrIllegalState, "internal error: data object was null")
			}
			entity, err := q.decodeOne(row)
			if err != nil {
				return struct{}{}, err
			}
			if q.filter != nil && !q.filter(entity) {
				continue
			}
			if err := resolveEagerIndexed(ctx, q.eager, &entity, i); err != nil {
				return struct{}{}, err
			}
			if err := consumer(entity); err != nil {
				if errors.Is(err, entitykv.ErrBreakForEach) {
					break
				}
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Count returns the number of matching rows using a single reader
// transaction, without the full retry envelope (a reader cursor doesn't
// need it). The post-filter is silently ignored.
func (q *Query[T]) Count(ctx context.Context) (uint64, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}
	return withReader(ctx, q.store, func(ctx context.Context, tx storage.Tx) (uint64, error) {
		return q.backend().Count(ctx, tx, q.handle)
	})
}

// Remove deletes every matching entity and returns the number removed.
// The post-filter is silently ignored: removal always operates on
// exactly what the compiled predicate matches.
func (q *Query[T]) Remove(ctx context.Context) (uint64, error) {
	if err := q.ensureOpen(); err != nil {
		return 0, err
	}
	return retryWrite(ctx, q.store, func(ctx context.Context, tx storage.Tx) (uint64, error) {
		return q.backend().Remove(ctx, tx, q.handle)
	})
}

// Property returns a PropertyQuery narrowing this Query to a single
// property for array/scalar retrieval and aggregation.
func (q *Query[T]) Property(prop schema.PropertyRef) *PropertyQuery {
	return newPropertyQuery(q.store, q.handle, prop)
}

// SetParameter rebinds an integer (or date, carried as epoch
// milliseconds, or boolean, carried as 0/1) parameter previously bound
// via a leaf predicate on prop, so the compiled query can be re-executed
// with a new value without recompiling.
func (q *Query[T]) SetParameter(prop schema.PropertyRef, value int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := q.backend().SetParameterLong(context.Background(), q.handle, prop.ID, value); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "set_parameter", err)
	}
	return nil
}

// SetParameterDouble rebinds a floating point parameter.
func (q *Query[T]) SetParameterDouble(prop schema.PropertyRef, value float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := q.backend().SetParameterDouble(context.Background(), q.handle, prop.ID, value); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "set_parameter", err)
	}
	return nil
}

// SetParameterString rebinds a string parameter.
func (q *Query[T]) SetParameterString(prop schema.PropertyRef, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := q.backend().SetParameterString(context.Background(), q.handle, prop.ID, value); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "set_parameter", err)
	}
	return nil
}

// SetParameterBool rebinds a boolean parameter, carried as 0/1.
func (q *Query[T]) SetParameterBool(prop schema.PropertyRef, value bool) error {
	return q.SetParameter(prop, boolToLong(value))
}

// SetParameters rebinds a two-valued integer parameter (the bounds of a
// previous Between).
func (q *Query[T]) SetParameters(prop schema.PropertyRef, v1, v2 int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := q.backend().SetParametersLong(context.Background(), q.handle, prop.ID, v1, v2); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "set_parameters", err)
	}
	return nil
}

// SetParametersDouble rebinds a two-valued floating point parameter.
func (q *Query[T]) SetParametersDouble(prop schema.PropertyRef, v1, v2 float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if err := q.backend().SetParametersDouble(context.Background(), q.handle, prop.ID, v1, v2); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "set_parameters", err)
	}
	return nil
}

// Publish re-runs this Query on the shared worker pool and delivers the
// result to every live subscription. Useful after SetParameter* calls,
// which do not trigger notification on their own.
func (q *Query[T]) Publish(ctx context.Context) {
	q.publisher.Publish(ctx)
}

// Subscribe returns a SubscriptionBuilder bound to this Query; building
// it immediately delivers a current snapshot and then keeps delivering on
// every subsequent Publish.
func (q *Query[T]) Subscribe() *reactive.SubscriptionBuilder[T] {
	return q.publisher.Subscribe()
}

// Close releases the query handle. Close is idempotent.
func (q *Query[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	runtime.SetFinalizer(q, nil)
	if err := q.backend().DestroyQuery(ctx, q.handle); err != nil {
		return entitykv.Wrap(entitykv.ErrBackend, "destroy query", err)
	}
	return nil
}
