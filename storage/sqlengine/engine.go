package sqlengine

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/entitykv/entitykv/reactive"
	"github.com/entitykv/entitykv/storage"
)

// Engine implements storage.Backend against a database/sql handle. It
// owns no driver-specific knowledge beyond its Dialect.
type Engine struct {
	db      *sql.DB
	dialect Dialect
	pool    *reactive.WorkerPool

	mu         sync.Mutex
	nextHandle uint64
	builders   map[storage.BuilderHandle]*builderState
	conditions map[storage.ConditionHandle]*fragment
	queries    map[storage.QueryHandle]*queryState
}

// New wraps an already-connected *sql.DB. The caller has run the
// dialect's DDL (via EnsureSchema) before handing the DB here.
func New(db *sql.DB, dialect Dialect) *Engine {
	return &Engine{
		db:         db,
		dialect:    dialect,
		pool:       reactive.NewWorkerPool(reactive.DefaultPoolConfig()),
		builders:   make(map[storage.BuilderHandle]*builderState),
		conditions: make(map[storage.ConditionHandle]*fragment),
		queries:    make(map[storage.QueryHandle]*queryState),
	}
}

// EnsureSchema runs the engine's DDL. Adapters call this once at connect
// time; it's idempotent (every statement is CREATE ... IF NOT EXISTS).
func EnsureSchema(ctx context.Context, db *sql.DB, dialect Dialect) error {
	for _, stmt := range splitStatements(dialect.DDL()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (e *Engine) Pool() *reactive.WorkerPool { return e.pool }

// paramBox is the mutable cell a leaf predicate's fragment reads through
// at execution time, so Query[T].SetParameter* can rebind a compiled
// query's bound values without rebuilding its SQL.
type paramBox struct {
	long1, long2     int64
	double1, double2 float64
	str              string
}

// lazyArg defers reading a bound value until the statement actually
// runs, so a fragment built once can still observe a later
// SetParameter* rebind against its paramBox.
type lazyArg func() any

// fragment is a self-contained "SELECT id FROM ..." statement using "?"
// placeholders throughout, regardless of the engine's dialect; rebind
// only happens once, immediately before Exec/Query.
type fragment struct {
	sql        string
	args       []any
	propertyID uint32
	box        *paramBox
}

func resolveArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if f, ok := a.(lazyArg); ok {
			out[i] = f()
			continue
		}
		out[i] = a
	}
	return out
}

type orderClause struct {
	propertyID uint32
	flags      storage.OrderFlags
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

func (e *Engine) allocHandle() uint64 {
	e.nextHandle++
	return e.nextHandle
}

// ---- transactions ----

type tx struct{ sqlTx *sql.Tx }

func (t tx) Commit(ctx context.Context) error   { return t.sqlTx.Commit() }
func (t tx) Rollback(ctx context.Context) error { return t.sqlTx.Rollback() }

func (e *Engine) BeginRead(ctx context.Context) (storage.Tx, error) {
	sqlTx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, e.wrapErr(err)
	}
	return tx{sqlTx}, nil
}

func (e *Engine) BeginWrite(ctx context.Context) (storage.Tx, error) {
	sqlTx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, e.wrapErr(err)
	}
	return tx{sqlTx}, nil
}

func (e *Engine) sqlTx(t storage.Tx) *sql.Tx { return t.(tx).sqlTx }

type temporaryError struct{ cause error }

func (te *temporaryError) Error() string   { return te.cause.Error() }
func (te *temporaryError) Temporary() bool { return true }
func (te *temporaryError) Unwrap() error   { return te.cause }

func (e *Engine) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if e.dialect.IsTemporary(err) {
		return &temporaryError{cause: err}
	}
	return err
}

// ---- builder lifecycle ----

func (e *Engine) CreateBuilder(ctx context.Context, entityName string) (storage.BuilderHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := storage.BuilderHandle(e.allocHandle())
	e.builders[h] = &builderState{entityName: entityName, paramBoxes: make(map[uint32]*paramBox)}
	return h, nil
}

func (e *Engine) DestroyBuilder(ctx context.Context, h storage.BuilderHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.builders, h)
	return nil
}

func (e *Engine) Compile(ctx context.Context, h storage.BuilderHandle, root storage.ConditionHandle) (storage.QueryHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs, ok := e.builders[h]
	if !ok {
		return 0, errIllegalHandle("builder")
	}
	qh := storage.QueryHandle(e.allocHandle())
	e.queries[qh] = &queryState{
		entityName: bs.entityName,
		root:       root,
		orders:     append([]orderClause(nil), bs.orders...),
		paramBoxes: bs.paramBoxes,
	}
	return qh, nil
}

func (e *Engine) DestroyQuery(ctx context.Context, h storage.QueryHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queries, h)
	return nil
}

func (e *Engine) AddOrder(ctx context.Context, h storage.BuilderHandle, propertyID uint32, flags storage.OrderFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs, ok := e.builders[h]
	if !ok {
		return errIllegalHandle("builder")
	}
	bs.orders = append(bs.orders, orderClause{propertyID: propertyID, flags: flags})
	return nil
}

func (e *Engine) register(f *fragment) storage.ConditionHandle {
	h := storage.ConditionHandle(e.allocHandle())
	e.conditions[h] = f
	return h
}

func (e *Engine) Combine(ctx context.Context, h storage.BuilderHandle, c1, c2 storage.ConditionHandle, useOr bool) (storage.ConditionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f1, ok1 := e.conditions[c1]
	f2, ok2 := e.conditions[c2]
	if !ok1 || !ok2 {
		return 0, errIllegalHandle("condition")
	}
	op := "INTERSECT"
	if useOr {
		op = "UNION"
	}
	sql := "SELECT id FROM (" + f1.sql + ") " + op + " SELECT id FROM (" + f2.sql + ")"
	args := append(append([]any(nil), f1.args...), f2.args...)
	return e.register(&fragment{sql: sql, args: args}), nil
}

// leaf builds a fragment inside the builder-lookup critical section so
// build can read bs.entityName safely; it's the single choke point every
// leaf predicate constructor in predicates.go funnels through.
func (e *Engine) leaf(h storage.BuilderHandle, propertyID uint32, box *paramBox, build func(entityName string) (string, []any)) (storage.ConditionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bs, ok := e.builders[h]
	if !ok {
		return 0, errIllegalHandle("builder")
	}
	sql, args := build(bs.entityName)
	f := &fragment{sql: sql, args: args, propertyID: propertyID, box: box}
	ch := e.register(f)
	if box != nil {
		bs.paramBoxes[propertyID] = box
	}
	return ch, nil
}

func errIllegalHandle(kind string) error {
	return &illegalArgumentError{msg: "sqlengine: unknown or destroyed " + kind + " handle"}
}

func errIllegalArgument(msg string) error {
	return &illegalArgumentError{msg: "sqlengine: " + msg}
}

type illegalArgumentError struct{ msg string }

func (e *illegalArgumentError) Error() string { return e.msg }
