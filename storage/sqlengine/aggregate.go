package sqlengine

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/entitykv/entitykv/storage"
)

// propertyValues returns one entry per id matched by h (honoring its
// order clauses), holding whatever value (string/int64/float64) that
// property has for the id, or nil if absent — the same shape
// storage/memory's propertyValues exposes as memRow.props[propertyID],
// so every property-scoped retrieval and aggregate below is a direct
// port of that backend's logic.
func (e *Engine) propertyValues(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) ([]any, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ids, err := e.orderedIDs(ctx, t, qs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	byID, err := e.valuesForIDs(ctx, t, qs.entityName, propertyID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func (e *Engine) FindStrings(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]string, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]struct{}{}
	for _, raw := range vals {
		v, ok := toString(raw)
		if !ok {
			if !opts.EnableNull {
				continue
			}
			v = opts.NullString
		}
		if opts.Distinct {
			key := v
			if opts.DistinctNoCase {
				key = strings.ToLower(v)
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) FindLongs(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]int64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return nil, err
	}
	var out []int64
	seen := map[int64]struct{}{}
	for _, raw := range vals {
		v, ok := toInt64(raw)
		if !ok {
			if !opts.EnableNull {
				continue
			}
			v = opts.NullLong
		}
		if opts.Distinct {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) FindInts(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]int32, error) {
	longs, err := e.FindLongs(ctx, t, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(longs))
	for i, v := range longs {
		out[i] = int32(v)
	}
	return out, nil
}

func (e *Engine) FindShorts(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]int16, error) {
	longs, err := e.FindLongs(ctx, t, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]int16, len(longs))
	for i, v := range longs {
		out[i] = int16(v)
	}
	return out, nil
}

func (e *Engine) FindChars(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]uint16, error) {
	longs, err := e.FindLongs(ctx, t, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(longs))
	for i, v := range longs {
		out[i] = uint16(v)
	}
	return out, nil
}

// FindBytes reads the first matched row's value for propertyID, stored
// by Put as base64 text in entitykv_prop_text (there is no dedicated
// blob side table), and decodes it back to the original bytes.
func (e *Engine) FindBytes(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]byte, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	s, ok := toString(vals[0])
	if !ok {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (e *Engine) FindFloats(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]float32, error) {
	doubles, err := e.FindDoubles(ctx, t, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(doubles))
	for i, v := range doubles {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *Engine) FindDoubles(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]float64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return nil, err
	}
	var out []float64
	seen := map[float64]struct{}{}
	for _, raw := range vals {
		v, ok := toFloat64(raw)
		if !ok {
			if !opts.EnableNull {
				continue
			}
			v = opts.NullDouble
		}
		if opts.Distinct {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) FindNumber(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) (storage.NumberResult, bool, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return storage.NumberResult{}, false, err
	}
	if opts.Unique && len(vals) > 1 {
		return storage.NumberResult{}, false, storage.ErrNotUnique
	}
	if len(vals) == 0 {
		return storage.NumberResult{}, false, nil
	}
	switch v := vals[0].(type) {
	case int64:
		return storage.NumberResult{Long: v, Float: float32(v), Double: float64(v)}, true, nil
	case float64:
		return storage.NumberResult{Long: int64(v), Float: float32(v), Double: v}, true, nil
	case nil:
		if !opts.EnableNull {
			return storage.NumberResult{}, false, nil
		}
		return storage.NumberResult{Long: opts.NullLong, Float: opts.NullFloat, Double: opts.NullDouble}, true, nil
	default:
		return storage.NumberResult{}, false, errIllegalArgument("property is not numeric")
	}
}

func (e *Engine) FindString(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) (string, bool, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return "", false, err
	}
	if opts.Unique && len(vals) > 1 {
		return "", false, storage.ErrNotUnique
	}
	if len(vals) == 0 {
		return "", false, nil
	}
	v, ok := toString(vals[0])
	if !ok {
		if !opts.EnableNull {
			return "", false, nil
		}
		return opts.NullString, true, nil
	}
	return v, true, nil
}

// ---- aggregates ----

func (e *Engine) Sum(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (int64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, raw := range vals {
		if v, ok := toInt64(raw); ok {
			sum += v
		}
	}
	return sum, nil
}

func (e *Engine) SumDouble(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, raw := range vals {
		if v, ok := toFloat64(raw); ok {
			sum += v
		}
	}
	return sum, nil
}

func (e *Engine) Max(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (int64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var max int64
	var found bool
	for _, raw := range vals {
		if v, ok := toInt64(raw); ok {
			if !found || v > max {
				max, found = v, true
			}
		}
	}
	return max, nil
}

func (e *Engine) MaxDouble(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var max float64
	var found bool
	for _, raw := range vals {
		if v, ok := toFloat64(raw); ok {
			if !found || v > max {
				max, found = v, true
			}
		}
	}
	return max, nil
}

func (e *Engine) Min(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (int64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var min int64
	var found bool
	for _, raw := range vals {
		if v, ok := toInt64(raw); ok {
			if !found || v < min {
				min, found = v, true
			}
		}
	}
	return min, nil
}

func (e *Engine) MinDouble(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var min float64
	var found bool
	for _, raw := range vals {
		if v, ok := toFloat64(raw); ok {
			if !found || v < min {
				min, found = v, true
			}
		}
	}
	return min, nil
}

func (e *Engine) Avg(ctx context.Context, t storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	vals, err := e.propertyValues(ctx, t, h, propertyID)
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, raw := range vals {
		if v, ok := toFloat64(raw); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// ---- parameter rebinding ----

func (e *Engine) paramBoxFor(h storage.QueryHandle, propertyID uint32) (*paramBox, error) {
	qs, ok := e.queries[h]
	if !ok {
		return nil, errIllegalHandle("query")
	}
	box, ok := qs.paramBoxes[propertyID]
	if !ok {
		return nil, errIllegalArgument("no parameterized condition on this property")
	}
	return box, nil
}

func (e *Engine) SetParameterString(ctx context.Context, h storage.QueryHandle, propertyID uint32, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, err := e.paramBoxFor(h, propertyID)
	if err != nil {
		return err
	}
	box.str = value
	return nil
}

func (e *Engine) SetParameterLong(ctx context.Context, h storage.QueryHandle, propertyID uint32, value int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, err := e.paramBoxFor(h, propertyID)
	if err != nil {
		return err
	}
	box.long1 = value
	return nil
}

func (e *Engine) SetParameterDouble(ctx context.Context, h storage.QueryHandle, propertyID uint32, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, err := e.paramBoxFor(h, propertyID)
	if err != nil {
		return err
	}
	box.double1 = value
	return nil
}

func (e *Engine) SetParametersLong(ctx context.Context, h storage.QueryHandle, propertyID uint32, v1, v2 int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, err := e.paramBoxFor(h, propertyID)
	if err != nil {
		return err
	}
	box.long1, box.long2 = v1, v2
	return nil
}

func (e *Engine) SetParametersDouble(ctx context.Context, h storage.QueryHandle, propertyID uint32, v1, v2 float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	box, err := e.paramBoxFor(h, propertyID)
	if err != nil {
		return err
	}
	box.double1, box.double2 = v1, v2
	return nil
}
