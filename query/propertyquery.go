package query

import (
	"context"
	"errors"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/schema"
	"github.com/entitykv/entitykv/storage"
)

// PropertyQuery narrows a compiled Query down to a single property,
// configuring distinct/null/uniqueness semantics before retrieving either
// the property's values as an array, a single scalar value, or an
// aggregate over the matching rows. It shares the parent Query's compiled
// predicate and is re-configurable independently of it via Reset.
type PropertyQuery struct {
	store       storage.Store
	queryHandle storage.QueryHandle
	property    schema.PropertyRef

	opts storage.PropertyFindOptions
	err  error
}

func newPropertyQuery(store storage.Store, handle storage.QueryHandle, prop schema.PropertyRef) *PropertyQuery {
	return &PropertyQuery{store: store, queryHandle: handle, property: prop}
}

// Reset clears distinct/null/unique configuration back to defaults.
func (p *PropertyQuery) Reset() *PropertyQuery {
	p.opts = storage.PropertyFindOptions{}
	p.err = nil
	return p
}

// Distinct enables distinct values, case-insensitively for string
// properties.
func (p *PropertyQuery) Distinct() *PropertyQuery {
	p.opts.Distinct = true
	p.opts.DistinctNoCase = true
	return p
}

// DistinctOrder enables distinct values with explicit case sensitivity.
// It is reserved for string properties; using it on any other declared
// type fails with InvalidArgument once a find/aggregate method is
// called.
func (p *PropertyQuery) DistinctOrder(order storage.StringOrder) *PropertyQuery {
	if p.property.DeclaredType != schema.String {
		p.err = entitykv.New(entitykv.ErrInvalidArgument, "distinct(StringOrder) is reserved for string properties")
		return p
	}
	p.opts.Distinct = true
	p.opts.DistinctNoCase = order == storage.CaseInsensitive
	return p
}

// Unique makes the scalar Find* methods fail with NotUnique when more
// than one row matches. Distinct does not collapse duplicate values
// before this check: two matching rows holding the same value still fail.
// It has no effect on the array-returning Find* methods.
func (p *PropertyQuery) Unique() *PropertyQuery {
	p.opts.Unique = true
	return p
}

// NullValue configures the value substituted for the property when a
// matching row has no value for it. v must be a string, an integer kind,
// float32, or float64; any other type fails with InvalidArgument once a
// find method is called. v's type is not checked against the property's
// declared type: a string fills the string slot, float32 the float slot,
// float64 the double slot, and every integer kind the long slot.
func (p *PropertyQuery) NullValue(v any) *PropertyQuery {
	switch val := v.(type) {
	case string:
		p.opts.NullString = val
	case float32:
		p.opts.NullFloat = val
	case float64:
		p.opts.NullDouble = val
	case int:
		p.opts.NullLong = int64(val)
	case int8:
		p.opts.NullLong = int64(val)
	case int16:
		p.opts.NullLong = int64(val)
	case int32:
		p.opts.NullLong = int64(val)
	case int64:
		p.opts.NullLong = val
	case uint:
		p.opts.NullLong = int64(val)
	case uint8:
		p.opts.NullLong = int64(val)
	case uint16:
		p.opts.NullLong = int64(val)
	case uint32:
		p.opts.NullLong = int64(val)
	case uint64:
		p.opts.NullLong = int64(val)
	default:
		p.err = entitykv.New(entitykv.ErrInvalidArgument, "null_value does not support this value's type")
		return p
	}
	p.opts.EnableNull = true
	return p
}

func (p *PropertyQuery) backend() storage.Backend { return p.store.Backend() }

// ---- array retrieval ----

func (p *PropertyQuery) FindStrings(ctx context.Context) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]string, error) {
		return p.backend().FindStrings(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindLongs(ctx context.Context) ([]int64, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]int64, error) {
		return p.backend().FindLongs(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindInts(ctx context.Context) ([]int32, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]int32, error) {
		return p.backend().FindInts(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindShorts(ctx context.Context) ([]int16, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]int16, error) {
		return p.backend().FindShorts(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindChars(ctx context.Context) ([]uint16, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]uint16, error) {
		return p.backend().FindChars(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindBytes(ctx context.Context) ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]byte, error) {
		return p.backend().FindBytes(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindFloats(ctx context.Context) ([]float32, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]float32, error) {
		return p.backend().FindFloats(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

func (p *PropertyQuery) FindDoubles(ctx context.Context) ([]float64, error) {
	if p.err != nil {
		return nil, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) ([]float64, error) {
		return p.backend().FindDoubles(ctx, tx, p.queryHandle, p.property.ID, p.opts)
	})
}

// ---- scalar retrieval ----

func (p *PropertyQuery) findNumber(ctx context.Context) (storage.NumberResult, bool, error) {
	type result struct {
		n     storage.NumberResult
		found bool
	}
	r, err := retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (result, error) {
		n, found, err := p.backend().FindNumber(ctx, tx, p.queryHandle, p.property.ID, p.opts)
		if err != nil {
			if errors.Is(err, storage.ErrNotUnique) {
				return result{}, entitykv.Wrap(entitykv.ErrNotUnique, "property find matched more than one row", err)
			}
			return result{}, err
		}
		return result{n: n, found: found}, nil
	})
	if err != nil {
		return storage.NumberResult{}, false, err
	}
	return r.n, r.found, nil
}

// FindString returns the single matching string value, or ("", false,
// nil) if no row matches.
func (p *PropertyQuery) FindString(ctx context.Context) (string, bool, error) {
	if p.err != nil {
		return "", false, p.err
	}
	return retryReadFindString(ctx, p)
}

func retryReadFindString(ctx context.Context, p *PropertyQuery) (string, bool, error) {
	type result struct {
		s     string
		found bool
	}
	r, err := retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (result, error) {
		s, found, err := p.backend().FindString(ctx, tx, p.queryHandle, p.property.ID, p.opts)
		if err != nil {
			if errors.Is(err, storage.ErrNotUnique) {
				return result{}, entitykv.Wrap(entitykv.ErrNotUnique, "property find matched more than one row", err)
			}
			return result{}, err
		}
		return result{s: s, found: found}, nil
	})
	if err != nil {
		return "", false, err
	}
	return r.s, r.found, nil
}

func (p *PropertyQuery) FindLong(ctx context.Context) (int64, bool, error) {
	if p.err != nil {
		return 0, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return n.Long, found, err
}

func (p *PropertyQuery) FindInt(ctx context.Context) (int32, bool, error) {
	if p.err != nil {
		return 0, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return int32(n.Long), found, err
}

func (p *PropertyQuery) FindShort(ctx context.Context) (int16, bool, error) {
	if p.err != nil {
		return 0, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return int16(n.Long), found, err
}

func (p *PropertyQuery) FindByte(ctx context.Context) (int8, bool, error) {
	if p.err != nil {
		return 0, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return int8(n.Long), found, err
}

func (p *PropertyQuery) FindBool(ctx context.Context) (bool, bool, error) {
	if p.err != nil {
		return false, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return n.Long != 0, found, err
}

func (p *PropertyQuery) FindFloat(ctx context.Context) (float32, bool, error) {
	if p.err != nil {
		return 0, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return n.Float, found, err
}

func (p *PropertyQuery) FindDouble(ctx context.Context) (float64, bool, error) {
	if p.err != nil {
		return 0, false, p.err
	}
	n, found, err := p.findNumber(ctx)
	return n.Double, found, err
}

// ---- aggregates (the post-filter, if any was set on the parent Query,
// is silently ignored: aggregation happens entirely inside the backend) ----

func (p *PropertyQuery) Sum(ctx context.Context) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (int64, error) {
		return p.backend().Sum(ctx, tx, p.queryHandle, p.property.ID)
	})
}

func (p *PropertyQuery) SumDouble(ctx context.Context) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (float64, error) {
		return p.backend().SumDouble(ctx, tx, p.queryHandle, p.property.ID)
	})
}

func (p *PropertyQuery) Max(ctx context.Context) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (int64, error) {
		return p.backend().Max(ctx, tx, p.queryHandle, p.property.ID)
	})
}

func (p *PropertyQuery) MaxDouble(ctx context.Context) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (float64, error) {
		return p.backend().MaxDouble(ctx, tx, p.queryHandle, p.property.ID)
	})
}

func (p *PropertyQuery) Min(ctx context.Context) (int64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (int64, error) {
		return p.backend().Min(ctx, tx, p.queryHandle, p.property.ID)
	})
}

func (p *PropertyQuery) MinDouble(ctx context.Context) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (float64, error) {
		return p.backend().MinDouble(ctx, tx, p.queryHandle, p.property.ID)
	})
}

func (p *PropertyQuery) Avg(ctx context.Context) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return retryRead(ctx, p.store, func(ctx context.Context, tx storage.Tx) (float64, error) {
		return p.backend().Avg(ctx, tx, p.queryHandle, p.property.ID)
	})
}
