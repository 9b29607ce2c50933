package query

import (
	"context"

	"github.com/entitykv/entitykv"
)

// LazyList is a fixed list of matching ids whose entities are resolved
// one at a time on access, rather than all up front. It never applies a
// post-filter, comparator, or eager relation resolution — those require
// the full entity set ahead of time, which defeats the point of being
// lazy.
type LazyList[T any] struct {
	query *Query[T]
	ids   []int64

	cached bool
	cache  []*T
}

func newLazyList[T any](q *Query[T], ids []int64, cached bool) *LazyList[T] {
	l := &LazyList[T]{query: q, ids: ids, cached: cached}
	if cached {
		l.cache = make([]*T, len(ids))
	}
	return l
}

// Size returns the number of ids in the list.
func (l *LazyList[T]) Size() int { return len(l.ids) }

// Get resolves the entity at index, fetching it from the backend (and, if
// this is a cached list, caching the result for subsequent calls).
func (l *LazyList[T]) Get(ctx context.Context, index int) (*T, error) {
	if index < 0 || index >= len(l.ids) {
		return nil, entitykv.New(entitykv.ErrIllegalState, "lazy list index out of range")
	}
	if l.cached && l.cache[index] != nil {
		return l.cache[index], nil
	}
	entity, err := l.query.getByID(ctx, l.ids[index])
	if err != nil {
		return nil, err
	}
	if l.cached {
		l.cache[index] = entity
	}
	return entity, nil
}
