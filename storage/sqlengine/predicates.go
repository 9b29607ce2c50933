package sqlengine

import (
	"context"
	"strings"

	"github.com/entitykv/entitykv/storage"
)

// ---- nullness ----

func (e *Engine) IsNull(ctx context.Context, h storage.BuilderHandle, propertyID uint32) (storage.ConditionHandle, error) {
	return e.leaf(h, propertyID, nil, func(entityName string) (string, []any) {
		sql := `SELECT id FROM entitykv_rows WHERE entity_name = ? AND id NOT IN (
			SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ?
			UNION SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ?
			UNION SELECT id FROM entitykv_prop_float WHERE entity_name = ? AND property_id = ?
		)`
		args := []any{entityName, entityName, propertyID, entityName, propertyID, entityName, propertyID}
		return sql, args
	})
}

func (e *Engine) NotNull(ctx context.Context, h storage.BuilderHandle, propertyID uint32) (storage.ConditionHandle, error) {
	return e.leaf(h, propertyID, nil, func(entityName string) (string, []any) {
		sql := `SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ?
			UNION SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ?
			UNION SELECT id FROM entitykv_prop_float WHERE entity_name = ? AND property_id = ?`
		args := []any{entityName, propertyID, entityName, propertyID, entityName, propertyID}
		return sql, args
	})
}

// ---- integer ----

func (e *Engine) EqualInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ? AND value = ?",
			[]any{entityName, propertyID, lazyArg(func() any { return box.long1 })}
	})
}

func (e *Engine) NotEqualInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ? AND value <> ?",
			[]any{entityName, propertyID, lazyArg(func() any { return box.long1 })}
	})
}

func (e *Engine) LessInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ? AND value < ?",
			[]any{entityName, propertyID, lazyArg(func() any { return box.long1 })}
	})
}

func (e *Engine) GreaterInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ? AND value > ?",
			[]any{entityName, propertyID, lazyArg(func() any { return box.long1 })}
	})
}

func (e *Engine) BetweenInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, v1, v2 int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: v1, long2: v2}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ? AND value >= ? AND value <= ?",
			[]any{
				entityName, propertyID,
				lazyArg(func() any { lo, _ := minMaxInt(box.long1, box.long2); return lo }),
				lazyArg(func() any { _, hi := minMaxInt(box.long1, box.long2); return hi }),
			}
	})
}

func minMaxInt(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

func minMaxFloat(a, b float64) (float64, float64) {
	if a > b {
		return b, a
	}
	return a, b
}

func (e *Engine) InInt32(ctx context.Context, h storage.BuilderHandle, propertyID uint32, values []int32, negate bool) (storage.ConditionHandle, error) {
	longs := make([]int64, len(values))
	for i, v := range values {
		longs[i] = int64(v)
	}
	return e.InInt64(ctx, h, propertyID, longs, negate)
}

func (e *Engine) InInt64(ctx context.Context, h storage.BuilderHandle, propertyID uint32, values []int64, negate bool) (storage.ConditionHandle, error) {
	return e.leaf(h, propertyID, nil, func(entityName string) (string, []any) {
		if len(values) == 0 {
			// An empty list matches nothing; negated, it matches every row
			// that has a value for the property at all (mirrors
			// storage/memory's InInt64 with an empty set).
			if negate {
				return "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ?",
					[]any{entityName, propertyID}
			}
			return "SELECT id FROM entitykv_prop_int WHERE 1 = 0", nil
		}
		args := []any{entityName, propertyID}
		var placeholders strings.Builder
		for i, v := range values {
			if i > 0 {
				placeholders.WriteString(", ")
			}
			placeholders.WriteString("?")
			args = append(args, v)
		}
		notKw := ""
		if negate {
			notKw = "NOT "
		}
		sql := "SELECT id FROM entitykv_prop_int WHERE entity_name = ? AND property_id = ? AND value " + notKw + "IN (" + placeholders.String() + ")"
		return sql, args
	})
}

// ---- floating point ----

func (e *Engine) LessFloat(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value float64) (storage.ConditionHandle, error) {
	box := &paramBox{double1: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_float WHERE entity_name = ? AND property_id = ? AND value < ?",
			[]any{entityName, propertyID, lazyArg(func() any { return box.double1 })}
	})
}

func (e *Engine) GreaterFloat(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value float64) (storage.ConditionHandle, error) {
	box := &paramBox{double1: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_float WHERE entity_name = ? AND property_id = ? AND value > ?",
			[]any{entityName, propertyID, lazyArg(func() any { return box.double1 })}
	})
}

func (e *Engine) BetweenFloat(ctx context.Context, h storage.BuilderHandle, propertyID uint32, v1, v2 float64) (storage.ConditionHandle, error) {
	box := &paramBox{double1: v1, double2: v2}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		return "SELECT id FROM entitykv_prop_float WHERE entity_name = ? AND property_id = ? AND value >= ? AND value <= ?",
			[]any{
				entityName, propertyID,
				lazyArg(func() any { lo, _ := minMaxFloat(box.double1, box.double2); return lo }),
				lazyArg(func() any { _, hi := minMaxFloat(box.double1, box.double2); return hi }),
			}
	})
}

// ---- strings ----

func (e *Engine) EqualString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		col, arg := stringComparand(order, box)
		return "SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ? AND " + col + " = ?",
			[]any{entityName, propertyID, arg}
	})
}

func (e *Engine) NotEqualString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		col, arg := stringComparand(order, box)
		return "SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ? AND " + col + " <> ?",
			[]any{entityName, propertyID, arg}
	})
}

func (e *Engine) ContainsString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		col, arg := stringComparand(order, box)
		return "SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ? AND " + col + " LIKE '%' || ? || '%'",
			[]any{entityName, propertyID, arg}
	})
}

func (e *Engine) StartsWithString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		col, arg := stringComparand(order, box)
		return "SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ? AND " + col + " LIKE ? || '%'",
			[]any{entityName, propertyID, arg}
	})
}

func (e *Engine) EndsWithString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return e.leaf(h, propertyID, box, func(entityName string) (string, []any) {
		col, arg := stringComparand(order, box)
		return "SELECT id FROM entitykv_prop_text WHERE entity_name = ? AND property_id = ? AND " + col + " LIKE '%' || ?",
			[]any{entityName, propertyID, arg}
	})
}

// stringComparand picks the case-sensitive value column or the
// precomputed case-folded one, and returns the box read through a
// lazyArg so a later SetParameterString rebind is honored.
func stringComparand(order storage.StringOrder, box *paramBox) (string, lazyArg) {
	if order == storage.CaseSensitiveOrder {
		return "value", func() any { return box.str }
	}
	return "value_ci", func() any { return strings.ToLower(box.str) }
}
