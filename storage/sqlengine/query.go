package sqlengine

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/entitykv/entitykv/storage"
)

// idFilterSQL returns the "SELECT id FROM ..." statement a query's
// compiled predicate reduces to, or the entity-wide default when no
// predicate was added (root == 0). Callers must hold e.mu.
func (e *Engine) idFilterSQL(qs *queryState) (string, []any) {
	if qs.root == 0 {
		return "SELECT id FROM entitykv_rows WHERE entity_name = ?", []any{qs.entityName}
	}
	f, ok := e.conditions[qs.root]
	if !ok {
		return "SELECT id FROM entitykv_rows WHERE 1 = 0", nil
	}
	return f.sql, f.args
}

func (e *Engine) queryState(h storage.QueryHandle) (*queryState, error) {
	qs, ok := e.queries[h]
	if !ok {
		return nil, errIllegalHandle("query")
	}
	return qs, nil
}

func (e *Engine) run(ctx context.Context, t storage.Tx, sqlText string, args []any) (*sql.Rows, error) {
	return e.sqlTx(t).QueryContext(ctx, rebind(sqlText, e.dialect), resolveArgs(args)...)
}

func (e *Engine) exec(ctx context.Context, t storage.Tx, sqlText string, args []any) (sql.Result, error) {
	return e.sqlTx(t).ExecContext(ctx, rebind(sqlText, e.dialect), resolveArgs(args)...)
}

// ---- ordering ----

// orderedIDs runs the predicate filter, then, if the query has order
// clauses, loads each order property's value for every matched id and
// sorts in Go. Sorting here (rather than in SQL) is what lets one
// property hold values of different declared types across rows without
// the engine needing to know the declared type up front.
func (e *Engine) orderedIDs(ctx context.Context, t storage.Tx, qs *queryState) ([]int64, error) {
	e.mu.Lock()
	filterSQL, filterArgs := e.idFilterSQL(qs)
	e.mu.Unlock()

	rows, err := e.run(ctx, t, filterSQL, filterArgs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(qs.orders) == 0 || len(ids) == 0 {
		return ids, nil
	}

	values := make([]map[int64]any, len(qs.orders))
	for i, o := range qs.orders {
		v, err := e.valuesForIDs(ctx, t, qs.entityName, o.propertyID, ids)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	sort.SliceStable(ids, func(i, j int) bool {
		for k, o := range qs.orders {
			c := compareProp(values[k][ids[i]], values[k][ids[j]], o.flags)
			if c == 0 {
				continue
			}
			if o.flags&storage.Descending != 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return ids, nil
}

// valuesForIDs loads a single property's value for each of ids, trying
// every side table since the engine doesn't track a property's declared
// type independently of where its leaf predicates chose to look.
func (e *Engine) valuesForIDs(ctx context.Context, t storage.Tx, entityName string, propertyID uint32, ids []int64) (map[int64]any, error) {
	out := make(map[int64]any, len(ids))
	placeholders, idArgs := idListPlaceholders(ids)

	load := func(table string, scan func(rows *sql.Rows) (int64, any, error)) error {
		sqlText := "SELECT id, value FROM " + table + " WHERE entity_name = ? AND property_id = ? AND id IN (" + placeholders + ")"
		args := append([]any{entityName, propertyID}, idArgs...)
		rows, err := e.run(ctx, t, sqlText, args)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			id, v, err := scan(rows)
			if err != nil {
				return err
			}
			out[id] = v
		}
		return rows.Err()
	}

	if err := load("entitykv_prop_text", func(rows *sql.Rows) (int64, any, error) {
		var id int64
		var v string
		err := rows.Scan(&id, &v)
		return id, v, err
	}); err != nil {
		return nil, err
	}
	if err := load("entitykv_prop_int", func(rows *sql.Rows) (int64, any, error) {
		var id int64
		var v int64
		err := rows.Scan(&id, &v)
		return id, v, err
	}); err != nil {
		return nil, err
	}
	if err := load("entitykv_prop_float", func(rows *sql.Rows) (int64, any, error) {
		var id int64
		var v float64
		err := rows.Scan(&id, &v)
		return id, v, err
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func idListPlaceholders(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		args[i] = id
	}
	if sb.Len() == 0 {
		sb.WriteString("?")
		args = []any{int64(-1)}
	}
	return sb.String(), args
}

// compareProp mirrors storage/memory's ordering semantics so both
// backends sort identically for the same OrderFlags.
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
		bv, _ := b.(int64)
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
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, _ := b.(string)
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

// ---- payload materialization ----

func (e *Engine) payloadsByID(ctx context.Context, t storage.Tx, entityName string, ids []int64) (map[int64][]byte, error) {
	if len(ids) == 0 {
		return map[int64][]byte{}, nil
	}
	placeholders, idArgs := idListPlaceholders(ids)
	sqlText := "SELECT id, payload FROM entitykv_rows WHERE entity_name = ? AND id IN (" + placeholders + ")"
	args := append([]any{entityName}, idArgs...)
	rows, err := e.run(ctx, t, sqlText, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]byte, len(ids))
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = payload
	}
	return out, rows.Err()
}

func toStorageRow(id int64, payload []byte) storage.Row {
	return storage.Row{ID: id, Decode: decodePayload(payload)}
}

// ---- id lookup ----

func (e *Engine) GetByID(ctx context.Context, t storage.Tx, entityName string, id int64) (storage.Row, bool, error) {
	rows, err := e.run(ctx, t, "SELECT payload FROM entitykv_rows WHERE entity_name = ? AND id = ?", []any{entityName, id})
	if err != nil {
		return storage.Row{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return storage.Row{}, false, rows.Err()
	}
	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return storage.Row{}, false, err
	}
	return toStorageRow(id, payload), true, nil
}

// ---- execution ----

func (e *Engine) materialize(ctx context.Context, t storage.Tx, qs *queryState, offset, limit int64) ([]storage.Row, error) {
	ids, err := e.orderedIDs(ctx, t, qs)
	if err != nil {
		return nil, err
	}
	ids = sliceIDs(ids, offset, limit)
	if len(ids) == 0 {
		return nil, nil
	}
	payloads, err := e.payloadsByID(ctx, t, qs.entityName, ids)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Row, 0, len(ids))
	for _, id := range ids {
		if p, ok := payloads[id]; ok {
			out = append(out, toStorageRow(id, p))
		}
	}
	return out, nil
}

func sliceIDs(ids []int64, offset, limit int64) []int64 {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(ids)) {
		return nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < int64(len(ids)) {
		ids = ids[:limit]
	}
	return ids
}

func (e *Engine) FindFirst(ctx context.Context, t storage.Tx, h storage.QueryHandle) (storage.Row, bool, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	e.mu.Unlock()
	if err != nil {
		return storage.Row{}, false, err
	}
	rows, err := e.materialize(ctx, t, qs, 0, 1)
	if err != nil {
		return storage.Row{}, false, err
	}
	if len(rows) == 0 {
		return storage.Row{}, false, nil
	}
	return rows[0], true, nil
}

func (e *Engine) FindUnique(ctx context.Context, t storage.Tx, h storage.QueryHandle) (storage.Row, bool, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	e.mu.Unlock()
	if err != nil {
		return storage.Row{}, false, err
	}
	rows, err := e.materialize(ctx, t, qs, 0, 2)
	if err != nil {
		return storage.Row{}, false, err
	}
	if len(rows) == 0 {
		return storage.Row{}, false, nil
	}
	if len(rows) > 1 {
		return storage.Row{}, false, storage.ErrNotUnique
	}
	return rows[0], true, nil
}

func (e *Engine) FindList(ctx context.Context, t storage.Tx, h storage.QueryHandle, offset, limit int64) ([]storage.Row, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.materialize(ctx, t, qs, offset, limit)
}

func (e *Engine) FindIDs(ctx context.Context, t storage.Tx, h storage.QueryHandle) ([]int64, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.orderedIDs(ctx, t, qs)
}

func (e *Engine) Count(ctx context.Context, t storage.Tx, h storage.QueryHandle) (uint64, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	var filterSQL string
	var filterArgs []any
	if err == nil {
		filterSQL, filterArgs = e.idFilterSQL(qs)
	}
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}
	rows, err := e.run(ctx, t, "SELECT COUNT(*) FROM ("+filterSQL+") t", filterArgs)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	var n int64
	if err := rows.Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (e *Engine) Remove(ctx context.Context, t storage.Tx, h storage.QueryHandle) (uint64, error) {
	e.mu.Lock()
	qs, err := e.queryState(h)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	ids, err := e.orderedIDs(ctx, t, &queryState{entityName: qs.entityName, root: qs.root})
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, idArgs := idListPlaceholders(ids)
	for _, table := range []string{"entitykv_rows", "entitykv_prop_text", "entitykv_prop_int", "entitykv_prop_float"} {
		sqlText := "DELETE FROM " + table + " WHERE entity_name = ? AND id IN (" + placeholders + ")"
		if _, err := e.exec(ctx, t, sqlText, append([]any{qs.entityName}, idArgs...)); err != nil {
			return 0, err
		}
	}
	return uint64(len(ids)), nil
}
