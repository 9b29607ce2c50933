package sqlengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

func decodePayload(payload []byte) func(dest any) error {
	return func(dest any) error {
		return json.Unmarshal(payload, dest)
	}
}

// Put inserts or replaces entityName's row id, along with one row per
// non-nil entry of props in whichever side table matches its Go kind.
// It's the SQL engine's counterpart to storage/memory's Put: a seeding
// helper for tests and for adapters that don't yet have a production
// write path of their own.
func (e *Engine) Put(ctx context.Context, entityName string, id int64, props map[uint32]any, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := tx{sqlTx}
	defer func() { _ = t.Rollback(ctx) }()

	for _, table := range []string{"entitykv_rows", "entitykv_prop_text", "entitykv_prop_int", "entitykv_prop_float"} {
		if _, err := e.exec(ctx, t, "DELETE FROM "+table+" WHERE entity_name = ? AND id = ?", []any{entityName, id}); err != nil {
			return err
		}
	}
	if _, err := e.exec(ctx, t, "INSERT INTO entitykv_rows (entity_name, id, payload) VALUES (?, ?, ?)", []any{entityName, id, body}); err != nil {
		return err
	}

	for propertyID, raw := range props {
		if raw == nil {
			continue
		}
		if err := e.putProperty(ctx, t, entityName, id, propertyID, raw); err != nil {
			return err
		}
	}
	return t.Commit(ctx)
}

func (e *Engine) putProperty(ctx context.Context, t tx, entityName string, id int64, propertyID uint32, raw any) error {
	switch v := raw.(type) {
	case string:
		_, err := e.exec(ctx, t, "INSERT INTO entitykv_prop_text (entity_name, id, property_id, value, value_ci) VALUES (?, ?, ?, ?, ?)",
			[]any{entityName, id, propertyID, v, strings.ToLower(v)})
		return err
	case bool:
		n := int64(0)
		if v {
			n = 1
		}
		return e.putInt(ctx, t, entityName, id, propertyID, n)
	case time.Time:
		return e.putInt(ctx, t, entityName, id, propertyID, v.UnixMilli())
	case float32:
		return e.putFloat(ctx, t, entityName, id, propertyID, float64(v))
	case float64:
		return e.putFloat(ctx, t, entityName, id, propertyID, v)
	case []byte:
		enc := base64.StdEncoding.EncodeToString(v)
		_, err := e.exec(ctx, t, "INSERT INTO entitykv_prop_text (entity_name, id, property_id, value, value_ci) VALUES (?, ?, ?, ?, ?)",
			[]any{entityName, id, propertyID, enc, enc})
		return err
	default:
		return e.putReflectedInt(ctx, t, entityName, id, propertyID, raw)
	}
}

func (e *Engine) putInt(ctx context.Context, t tx, entityName string, id int64, propertyID uint32, v int64) error {
	_, err := e.exec(ctx, t, "INSERT INTO entitykv_prop_int (entity_name, id, property_id, value) VALUES (?, ?, ?, ?)",
		[]any{entityName, id, propertyID, v})
	return err
}

func (e *Engine) putFloat(ctx context.Context, t tx, entityName string, id int64, propertyID uint32, v float64) error {
	_, err := e.exec(ctx, t, "INSERT INTO entitykv_prop_float (entity_name, id, property_id, value) VALUES (?, ?, ?, ?)",
		[]any{entityName, id, propertyID, v})
	return err
}

// putReflectedInt covers the remaining integer kinds (int, int8..64,
// uint, uint8..64) generically rather than listing each one.
func (e *Engine) putReflectedInt(ctx context.Context, t tx, entityName string, id int64, propertyID uint32, raw any) error {
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.putInt(ctx, t, entityName, id, propertyID, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.putInt(ctx, t, entityName, id, propertyID, int64(rv.Uint()))
	default:
		return errIllegalArgument("Put: unsupported property value type")
	}
}
