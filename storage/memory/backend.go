// Package memory is an in-process reference implementation of
// storage.Backend: entities live in plain Go maps, and every leaf
// predicate compiles to a Go closure rather than a query plan. It has no
// real transactional isolation (mutations apply immediately; Commit and
// Rollback are no-ops) and is intended as the query layer's test fixture,
// not a production backend — storage/sqlite and storage/postgres are
// that.
package memory

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/entitykv/entitykv/reactive"
	"github.com/entitykv/entitykv/storage"
)

// Backend is the in-memory storage.Backend implementation.
type Backend struct {
	mu sync.Mutex

	nextHandle uint64
	tables     map[string]*table
	builders   map[storage.BuilderHandle]*builderState
	conditions map[storage.ConditionHandle]*condition
	queries    map[storage.QueryHandle]*queryState

	pool *reactive.WorkerPool

	failReads  int32
	failWrites int32
}

// New creates an empty Backend with a default-sized shared worker pool.
func New() *Backend {
	return &Backend{
		tables:     make(map[string]*table),
		builders:   make(map[storage.BuilderHandle]*builderState),
		conditions: make(map[storage.ConditionHandle]*condition),
		queries:    make(map[storage.QueryHandle]*queryState),
		pool:       reactive.NewWorkerPool(reactive.DefaultPoolConfig()),
	}
}

type memRow struct {
	id      int64
	props   map[uint32]any
	payload any
}

type table struct {
	rows  map[int64]*memRow
	order []int64
}

type orderClause struct {
	propertyID uint32
	flags      storage.OrderFlags
}

// paramBox is the mutable cell a leaf predicate's closure reads through,
// so Query[T].SetParameter* can rebind a compiled query's values without
// recompiling the predicate tree.
type paramBox struct {
	long1, long2     int64
	double1, double2 float64
	str              string
}

type condition struct {
	eval       func(props map[uint32]any) bool
	propertyID uint32
	box        *paramBox
}

type builderState struct {
	entityName string
	orders     []orderClause
	paramBoxes map[uint32]*paramBox
}

type queryState struct {
	entityName string
	root       storage.ConditionHandle
	orders     []orderClause
	paramBoxes map[uint32]*paramBox
}

type temporaryError struct{ msg string }

func (e *temporaryError) Error() string   { return e.msg }
func (e *temporaryError) Temporary() bool { return true }

// FailNextReads makes the next n BeginRead calls return a temporary
// error, exercising the query layer's retry loop.
func (b *Backend) FailNextReads(n int) { atomic.StoreInt32(&b.failReads, int32(n)) }

// FailNextWrites is FailNextReads' write-side counterpart.
func (b *Backend) FailNextWrites(n int) { atomic.StoreInt32(&b.failWrites, int32(n)) }

// Put seeds entityName's table with a row, keyed by id, storing payload
// (the actual T value, used to satisfy Row.Decode) alongside its
// property values keyed by PropertyRef.ID. A nil entry in props marks
// that property NULL for the row.
func (b *Backend) Put(entityName string, id int64, props map[uint32]any, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(entityName)
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = &memRow{id: id, props: props, payload: payload}
}

func (b *Backend) table(entityName string) *table {
	t, ok := b.tables[entityName]
	if !ok {
		t = &table{rows: make(map[int64]*memRow)}
		b.tables[entityName] = t
	}
	return t
}

func (b *Backend) allocHandle() uint64 {
	b.nextHandle++
	return b.nextHandle
}

// ---- transactions ----

type tx struct{}

func (tx) Commit(ctx context.Context) error   { return nil }
func (tx) Rollback(ctx context.Context) error { return nil }

func (b *Backend) BeginRead(ctx context.Context) (storage.Tx, error) {
	if atomic.LoadInt32(&b.failReads) > 0 {
		atomic.AddInt32(&b.failReads, -1)
		return nil, &temporaryError{msg: "memory: simulated transient read failure"}
	}
	return tx{}, nil
}

func (b *Backend) BeginWrite(ctx context.Context) (storage.Tx, error) {
	if atomic.LoadInt32(&b.failWrites) > 0 {
		atomic.AddInt32(&b.failWrites, -1)
		return nil, &temporaryError{msg: "memory: simulated transient write failure"}
	}
	return tx{}, nil
}

// ---- builder lifecycle ----

func (b *Backend) CreateBuilder(ctx context.Context, entityName string) (storage.BuilderHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := storage.BuilderHandle(b.allocHandle())
	b.builders[h] = &builderState{entityName: entityName, paramBoxes: make(map[uint32]*paramBox)}
	return h, nil
}

func (b *Backend) DestroyBuilder(ctx context.Context, h storage.BuilderHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.builders, h)
	return nil
}

func (b *Backend) Compile(ctx context.Context, h storage.BuilderHandle, root storage.ConditionHandle) (storage.QueryHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.builders[h]
	if !ok {
		return 0, errIllegalHandle("builder")
	}
	qh := storage.QueryHandle(b.allocHandle())
	b.queries[qh] = &queryState{
		entityName: bs.entityName,
		root:       root,
		orders:     append([]orderClause(nil), bs.orders...),
		paramBoxes: bs.paramBoxes,
	}
	return qh, nil
}

func (b *Backend) DestroyQuery(ctx context.Context, h storage.QueryHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queries, h)
	return nil
}

func (b *Backend) AddOrder(ctx context.Context, h storage.BuilderHandle, propertyID uint32, flags storage.OrderFlags) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.builders[h]
	if !ok {
		return errIllegalHandle("builder")
	}
	bs.orders = append(bs.orders, orderClause{propertyID: propertyID, flags: flags})
	return nil
}

func (b *Backend) Combine(ctx context.Context, h storage.BuilderHandle, c1, c2 storage.ConditionHandle, useOr bool) (storage.ConditionHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cond1, ok1 := b.conditions[c1]
	cond2, ok2 := b.conditions[c2]
	if !ok1 || !ok2 {
		return 0, errIllegalHandle("condition")
	}
	eval1, eval2 := cond1.eval, cond2.eval
	var eval func(map[uint32]any) bool
	if useOr {
		eval = func(props map[uint32]any) bool { return eval1(props) || eval2(props) }
	} else {
		eval = func(props map[uint32]any) bool { return eval1(props) && eval2(props) }
	}
	return b.register(&condition{eval: eval}), nil
}

func (b *Backend) register(c *condition) storage.ConditionHandle {
	h := storage.ConditionHandle(b.allocHandle())
	b.conditions[h] = c
	return h
}

func (b *Backend) leaf(h storage.BuilderHandle, propertyID uint32, box *paramBox, eval func(props map[uint32]any) bool) (storage.ConditionHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.builders[h]
	if !ok {
		return 0, errIllegalHandle("builder")
	}
	c := &condition{eval: eval, propertyID: propertyID, box: box}
	ch := b.register(c)
	if box != nil {
		bs.paramBoxes[propertyID] = box
	}
	return ch, nil
}

// ---- nullness ----

func (b *Backend) IsNull(ctx context.Context, h storage.BuilderHandle, propertyID uint32) (storage.ConditionHandle, error) {
	return b.leaf(h, propertyID, nil, func(props map[uint32]any) bool {
		return props[propertyID] == nil
	})
}

func (b *Backend) NotNull(ctx context.Context, h storage.BuilderHandle, propertyID uint32) (storage.ConditionHandle, error) {
	return b.leaf(h, propertyID, nil, func(props map[uint32]any) bool {
		return props[propertyID] != nil
	})
}

// ---- integer ----

func (b *Backend) EqualInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		return ok && v == box.long1
	})
}

func (b *Backend) NotEqualInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		return ok && v != box.long1
	})
}

func (b *Backend) LessInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		return ok && v < box.long1
	})
}

func (b *Backend) GreaterInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		return ok && v > box.long1
	})
}

func (b *Backend) BetweenInt(ctx context.Context, h storage.BuilderHandle, propertyID uint32, v1, v2 int64) (storage.ConditionHandle, error) {
	box := &paramBox{long1: v1, long2: v2}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		lo, hi := box.long1, box.long2
		if lo > hi {
			lo, hi = hi, lo
		}
		return ok && v >= lo && v <= hi
	})
}

func (b *Backend) InInt32(ctx context.Context, h storage.BuilderHandle, propertyID uint32, values []int32, negate bool) (storage.ConditionHandle, error) {
	set := make(map[int32]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return b.leaf(h, propertyID, nil, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		if !ok {
			return false
		}
		_, in := set[int32(v)]
		return in != negate
	})
}

func (b *Backend) InInt64(ctx context.Context, h storage.BuilderHandle, propertyID uint32, values []int64, negate bool) (storage.ConditionHandle, error) {
	set := make(map[int64]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return b.leaf(h, propertyID, nil, func(props map[uint32]any) bool {
		v, ok := toInt64(props[propertyID])
		if !ok {
			return false
		}
		_, in := set[v]
		return in != negate
	})
}

// ---- floating point ----

func (b *Backend) LessFloat(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value float64) (storage.ConditionHandle, error) {
	box := &paramBox{double1: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toFloat64(props[propertyID])
		return ok && v < box.double1
	})
}

func (b *Backend) GreaterFloat(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value float64) (storage.ConditionHandle, error) {
	box := &paramBox{double1: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toFloat64(props[propertyID])
		return ok && v > box.double1
	})
}

func (b *Backend) BetweenFloat(ctx context.Context, h storage.BuilderHandle, propertyID uint32, v1, v2 float64) (storage.ConditionHandle, error) {
	box := &paramBox{double1: v1, double2: v2}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toFloat64(props[propertyID])
		lo, hi := box.double1, box.double2
		if lo > hi {
			lo, hi = hi, lo
		}
		return ok && v >= lo && v <= hi
	})
}

// ---- strings ----

func (b *Backend) EqualString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toString(props[propertyID])
		if !ok {
			return false
		}
		return stringEqual(v, box.str, order)
	})
}

func (b *Backend) NotEqualString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toString(props[propertyID])
		if !ok {
			return false
		}
		return !stringEqual(v, box.str, order)
	})
}

func (b *Backend) ContainsString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toString(props[propertyID])
		if !ok {
			return false
		}
		if order == storage.CaseInsensitive {
			return strings.Contains(strings.ToLower(v), strings.ToLower(box.str))
		}
		return strings.Contains(v, box.str)
	})
}

func (b *Backend) StartsWithString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toString(props[propertyID])
		if !ok {
			return false
		}
		if order == storage.CaseInsensitive {
			return strings.HasPrefix(strings.ToLower(v), strings.ToLower(box.str))
		}
		return strings.HasPrefix(v, box.str)
	})
}

func (b *Backend) EndsWithString(ctx context.Context, h storage.BuilderHandle, propertyID uint32, value string, order storage.StringOrder) (storage.ConditionHandle, error) {
	box := &paramBox{str: value}
	return b.leaf(h, propertyID, box, func(props map[uint32]any) bool {
		v, ok := toString(props[propertyID])
		if !ok {
			return false
		}
		if order == storage.CaseInsensitive {
			return strings.HasSuffix(strings.ToLower(v), strings.ToLower(box.str))
		}
		return strings.HasSuffix(v, box.str)
	})
}

func stringEqual(a, b string, order storage.StringOrder) bool {
	if order == storage.CaseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// ---- id lookup ----

func (b *Backend) GetByID(ctx context.Context, _ storage.Tx, entityName string, id int64) (storage.Row, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tables[entityName]
	if !ok {
		return storage.Row{}, false, nil
	}
	row, ok := t.rows[id]
	if !ok {
		return storage.Row{}, false, nil
	}
	return toStorageRow(row), true, nil
}

func toStorageRow(row *memRow) storage.Row {
	return storage.Row{
		ID: row.id,
		Decode: func(dest any) error {
			return assign(dest, row.payload)
		},
	}
}

func assign(dest, payload any) error {
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return errIllegalArgument("decode destination must be a non-nil pointer")
	}
	pv := reflect.ValueOf(payload)
	if !pv.IsValid() || !pv.Type().AssignableTo(dv.Elem().Type()) {
		return errIllegalArgument("stored payload is not assignable to the decode destination")
	}
	dv.Elem().Set(pv)
	return nil
}

// ---- execution ----

// matched returns the rows matching qs's compiled predicate, ordered by
// qs's order clauses (stable on ties, falling back to insertion order).
func (b *Backend) matched(qs *queryState) []*memRow {
	t, ok := b.tables[qs.entityName]
	if !ok {
		return nil
	}
	var rows []*memRow
	var evalRoot func(map[uint32]any) bool
	if qs.root != 0 {
		if c, ok := b.conditions[qs.root]; ok {
			evalRoot = c.eval
		}
	}
	for _, id := range t.order {
		row := t.rows[id]
		if evalRoot == nil || evalRoot(row.props) {
			rows = append(rows, row)
		}
	}
	if len(qs.orders) > 0 {
		sort.SliceStable(rows, func(i, j int) bool { return lessRows(rows[i], rows[j], qs.orders) })
	}
	return rows
}

func lessRows(a, b *memRow, orders []orderClause) bool {
	for _, o := range orders {
		c := compareProp(a.props[o.propertyID], b.props[o.propertyID], o.flags)
		if c == 0 {
			continue
		}
		if o.flags&storage.Descending != 0 {
			return c > 0
		}
		return c < 0
	}
	return false
}

// compareProp compares two property values for ordering, honoring the
// CaseSensitive and NullsLast flags. It returns <0, 0, or >0 like
// strings.Compare.
func compareProp(a, b any, flags storage.OrderFlags) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		if flags&storage.NullsLast != 0 {
			return 1
		}
		return -1
	}
	if b == nil {
		if flags&storage.NullsLast != 0 {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		if flags&storage.Unsigned != 0 {
			return compareUint64(uint64(av), uint64(bv))
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv := b.(string)
		if flags&storage.CaseSensitive == 0 {
			av, bv = strings.ToLower(av), strings.ToLower(bv)
		}
		return strings.Compare(av, bv)
	default:
		return 0
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (b *Backend) FindFirst(ctx context.Context, _ storage.Tx, h storage.QueryHandle) (storage.Row, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queries[h]
	if !ok {
		return storage.Row{}, false, errIllegalHandle("query")
	}
	rows := b.matched(qs)
	if len(rows) == 0 {
		return storage.Row{}, false, nil
	}
	return toStorageRow(rows[0]), true, nil
}

func (b *Backend) FindUnique(ctx context.Context, _ storage.Tx, h storage.QueryHandle) (storage.Row, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queries[h]
	if !ok {
		return storage.Row{}, false, errIllegalHandle("query")
	}
	rows := b.matched(qs)
	if len(rows) == 0 {
		return storage.Row{}, false, nil
	}
	if len(rows) > 1 {
		return storage.Row{}, false, storage.ErrNotUnique
	}
	return toStorageRow(rows[0]), true, nil
}

func (b *Backend) FindList(ctx context.Context, _ storage.Tx, h storage.QueryHandle, offset, limit int64) ([]storage.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queries[h]
	if !ok {
		return nil, errIllegalHandle("query")
	}
	rows := b.matched(qs)
	rows = sliceRows(rows, offset, limit)
	out := make([]storage.Row, len(rows))
	for i, r := range rows {
		out[i] = toStorageRow(r)
	}
	return out, nil
}

func sliceRows(rows []*memRow, offset, limit int64) []*memRow {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(rows)) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}

func (b *Backend) FindIDs(ctx context.Context, _ storage.Tx, h storage.QueryHandle) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queries[h]
	if !ok {
		return nil, errIllegalHandle("query")
	}
	rows := b.matched(qs)
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}
	return ids, nil
}

func (b *Backend) Count(ctx context.Context, _ storage.Tx, h storage.QueryHandle) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queries[h]
	if !ok {
		return 0, errIllegalHandle("query")
	}
	return uint64(len(b.matched(qs))), nil
}

func (b *Backend) Remove(ctx context.Context, _ storage.Tx, h storage.QueryHandle) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queries[h]
	if !ok {
		return 0, errIllegalHandle("query")
	}
	rows := b.matched(qs)
	t := b.tables[qs.entityName]
	for _, r := range rows {
		delete(t.rows, r.id)
	}
	if len(rows) > 0 {
		kept := t.order[:0]
		for _, id := range t.order {
			if _, stillThere := t.rows[id]; stillThere {
				kept = append(kept, id)
			}
		}
		t.order = kept
	}
	return uint64(len(rows)), nil
}

// ---- property-scoped retrieval ----

func (b *Backend) propertyValues(h storage.QueryHandle, propertyID uint32) ([]*memRow, *queryState, error) {
	qs, ok := b.queries[h]
	if !ok {
		return nil, nil, errIllegalHandle("query")
	}
	return b.matched(qs), qs, nil
}

func (b *Backend) FindStrings(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]struct{}{}
	for _, r := range rows {
		v, ok := toString(r.props[propertyID])
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

func (b *Backend) FindLongs(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return nil, err
	}
	var out []int64
	seen := map[int64]struct{}{}
	for _, r := range rows {
		v, ok := toInt64(r.props[propertyID])
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

func (b *Backend) FindInts(ctx context.Context, tx storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]int32, error) {
	longs, err := b.FindLongs(ctx, tx, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(longs))
	for i, v := range longs {
		out[i] = int32(v)
	}
	return out, nil
}

func (b *Backend) FindShorts(ctx context.Context, tx storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]int16, error) {
	longs, err := b.FindLongs(ctx, tx, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]int16, len(longs))
	for i, v := range longs {
		out[i] = int16(v)
	}
	return out, nil
}

func (b *Backend) FindChars(ctx context.Context, tx storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]uint16, error) {
	longs, err := b.FindLongs(ctx, tx, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, len(longs))
	for i, v := range longs {
		out[i] = uint16(v)
	}
	return out, nil
}

func (b *Backend) FindBytes(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	v, _ := rows[0].props[propertyID].([]byte)
	return v, nil
}

func (b *Backend) FindFloats(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]float32, error) {
	doubles, err := b.FindDoubles(ctx, nil, h, propertyID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(doubles))
	for i, v := range doubles {
		out[i] = float32(v)
	}
	return out, nil
}

func (b *Backend) FindDoubles(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) ([]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return nil, err
	}
	var out []float64
	seen := map[float64]struct{}{}
	for _, r := range rows {
		v, ok := toFloat64(r.props[propertyID])
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

func (b *Backend) FindNumber(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) (storage.NumberResult, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return storage.NumberResult{}, false, err
	}
	if opts.Unique && len(rows) > 1 {
		return storage.NumberResult{}, false, storage.ErrNotUnique
	}
	if len(rows) == 0 {
		return storage.NumberResult{}, false, nil
	}
	raw := rows[0].props[propertyID]
	switch v := raw.(type) {
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

func (b *Backend) FindString(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32, opts storage.PropertyFindOptions) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return "", false, err
	}
	if opts.Unique && len(rows) > 1 {
		return "", false, storage.ErrNotUnique
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	v, ok := toString(rows[0].props[propertyID])
	if !ok {
		if !opts.EnableNull {
			return "", false, nil
		}
		return opts.NullString, true, nil
	}
	return v, true, nil
}

// ---- aggregates ----

func (b *Backend) Sum(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, r := range rows {
		if v, ok := toInt64(r.props[propertyID]); ok {
			sum += v
		}
	}
	return sum, nil
}

func (b *Backend) SumDouble(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, r := range rows {
		if v, ok := toFloat64(r.props[propertyID]); ok {
			sum += v
		}
	}
	return sum, nil
}

func (b *Backend) Max(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var max int64
	var found bool
	for _, r := range rows {
		if v, ok := toInt64(r.props[propertyID]); ok {
			if !found || v > max {
				max, found = v, true
			}
		}
	}
	return max, nil
}

func (b *Backend) MaxDouble(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var max float64
	var seen bool
	for _, r := range rows {
		if v, ok := toFloat64(r.props[propertyID]); ok {
			if !seen || v > max {
				max, seen = v, true
			}
		}
	}
	return max, nil
}

func (b *Backend) Min(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var min int64
	var found bool
	for _, r := range rows {
		if v, ok := toInt64(r.props[propertyID]); ok {
			if !found || v < min {
				min, found = v, true
			}
		}
	}
	return min, nil
}

func (b *Backend) MinDouble(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var min float64
	var seen bool
	for _, r := range rows {
		if v, ok := toFloat64(r.props[propertyID]); ok {
			if !seen || v < min {
				min, seen = v, true
			}
		}
	}
	return min, nil
}

func (b *Backend) Avg(ctx context.Context, _ storage.Tx, h storage.QueryHandle, propertyID uint32) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rows, _, err := b.propertyValues(h, propertyID)
	if err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, r := range rows {
		if v, ok := toFloat64(r.props[propertyID]); ok {
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

func (b *Backend) paramBox(h storage.QueryHandle, propertyID uint32) (*paramBox, error) {
	qs, ok := b.queries[h]
	if !ok {
		return nil, errIllegalHandle("query")
	}
	box, ok := qs.paramBoxes[propertyID]
	if !ok {
		return nil, errIllegalArgument("no parameterized condition on this property")
	}
	return box, nil
}

func (b *Backend) SetParameterString(ctx context.Context, h storage.QueryHandle, propertyID uint32, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, err := b.paramBox(h, propertyID)
	if err != nil {
		return err
	}
	box.str = value
	return nil
}

func (b *Backend) SetParameterLong(ctx context.Context, h storage.QueryHandle, propertyID uint32, value int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, err := b.paramBox(h, propertyID)
	if err != nil {
		return err
	}
	box.long1 = value
	return nil
}

func (b *Backend) SetParameterDouble(ctx context.Context, h storage.QueryHandle, propertyID uint32, value float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, err := b.paramBox(h, propertyID)
	if err != nil {
		return err
	}
	box.double1 = value
	return nil
}

func (b *Backend) SetParametersLong(ctx context.Context, h storage.QueryHandle, propertyID uint32, v1, v2 int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, err := b.paramBox(h, propertyID)
	if err != nil {
		return err
	}
	box.long1, box.long2 = v1, v2
	return nil
}

func (b *Backend) SetParametersDouble(ctx context.Context, h storage.QueryHandle, propertyID uint32, v1, v2 float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	box, err := b.paramBox(h, propertyID)
	if err != nil {
		return err
	}
	box.double1, box.double2 = v1, v2
	return nil
}

// ---- conversions ----

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

func errIllegalHandle(kind string) error {
	return &illegalArgumentError{msg: "memory: unknown or destroyed " + kind + " handle"}
}

func errIllegalArgument(msg string) error {
	return &illegalArgumentError{msg: "memory: " + msg}
}

type illegalArgumentError struct{ msg string }

func (e *illegalArgumentError) Error() string { return e.msg }
