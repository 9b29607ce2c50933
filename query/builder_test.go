package query

import (
	"context"
	"testing"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/schema"
	"github.com/entitykv/entitykv/storage/memory"
)

type shirt struct {
	ID    int64
	Color string
	Size  string
	Price float64
}

var (
	shirtEntity = schema.EntityInfo[shirt]{Name: "Shirt"}
	colorProp   = schema.PropertyRef{ID: 1, DeclaredType: schema.String, EntityName: "Shirt"}
	sizeProp    = schema.PropertyRef{ID: 2, DeclaredType: schema.String, EntityName: "Shirt"}
	priceProp   = schema.PropertyRef{ID: 3, DeclaredType: schema.Double, EntityName: "Shirt"}
)

func seedShirts(b *memory.Backend) {
	rows := []shirt{
		{ID: 1, Color: "blue", Size: "XL", Price: 45.0},
		{ID: 2, Color: "blue", Size: "M", Price: 25.0},
		{ID: 3, Color: "red", Size: "XL", Price: 45.0},
		{ID: 4, Color: "red", Size: "S", Price: 15.0},
	}
	for _, s := range rows {
		b.Put("Shirt", s.ID, map[uint32]any{
			colorProp.ID: s.Color,
			sizeProp.ID:  s.Size,
			priceProp.ID: s.Price,
		}, s)
	}
}

func newShirtStore() *memory.Store {
	return memory.NewStore(memory.DefaultStoreOptions())
}

func newShirtBuilder(t *testing.T, store *memory.Store) *QueryBuilder[shirt] {
	t.Helper()
	b, err := NewQueryBuilder(context.Background(), store, shirtEntity, memory.Decode[shirt])
	if err != nil {
		t.Fatalf("NewQueryBuilder: %v", err)
	}
	return b
}

// TestCombinatorDefaultAnd mirrors the builder's worked example: sequential
// leaf predicates are implicitly AND-combined unless an explicit
// combinator is pending, and explicit Or()/And() apply strictly left to
// right: equal(color,"blue").equal(size,"XL").or().less(price,30)
// compiles to (color=blue AND size=XL) OR price<30.
func TestCombinatorDefaultAnd(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "blue").
		EqualString(sizeProp, "XL").
		Or().
		LessFloat(priceProp, 30).
		Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	results, err := q.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	// (blue AND XL) matches id 1; price<30 matches ids 2 and 4.
	ids := idsOf(results)
	assertSameIDs(t, ids, []int64{1, 2, 4})
}

func TestCombinatorOrRequiresPriorCondition(t *testing.T) {
	store := newShirtStore()
	b := newShirtBuilder(t, store)
	b.Or()
	if !entitykv.IsKind(b.err, entitykv.ErrIllegalState) {
		t.Fatalf("expected IllegalState, got %v", b.err)
	}
}

func TestCombinatorDuplicateOperatorPending(t *testing.T) {
	store := newShirtStore()
	b := newShirtBuilder(t, store)
	b.EqualString(colorProp, "blue").Or().And()
	if !entitykv.IsKind(b.err, entitykv.ErrIllegalState) {
		t.Fatalf("expected IllegalState for duplicate pending operator, got %v", b.err)
	}
}

func TestBuildFailsOnDanglingOperator(t *testing.T) {
	store := newShirtStore()
	ctx := context.Background()
	b := newShirtBuilder(t, store)
	_, err := b.EqualString(colorProp, "blue").Or().Build(ctx)
	if !entitykv.IsKind(err, entitykv.ErrIllegalState) {
		t.Fatalf("expected IllegalState for dangling Or(), got %v", err)
	}
}

func TestFilterOnlyOnce(t *testing.T) {
	store := newShirtStore()
	b := newShirtBuilder(t, store)
	b.Filter(func(shirt) bool { return true }).Filter(func(shirt) bool { return true })
	if !entitykv.IsKind(b.err, entitykv.ErrIllegalState) {
		t.Fatalf("expected IllegalState for duplicate filter, got %v", b.err)
	}
}

func TestOrderThenFindIDsUnsupported(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Order(priceProp).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	if _, err := q.FindIDs(ctx); !entitykv.IsKind(err, entitykv.ErrUnsupported) {
		t.Fatalf("expected Unsupported for find_ids on ordered query, got %v", err)
	}
}

func TestEqualDateRejectsNil(t *testing.T) {
	store := newShirtStore()
	b := newShirtBuilder(t, store)
	dateProp := schema.PropertyRef{ID: 9, DeclaredType: schema.Date, EntityName: "Shirt"}
	b.EqualDate(dateProp, nil)
	if !entitykv.IsKind(b.err, entitykv.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for nil date, got %v", b.err)
	}
}

func idsOf(results []shirt) []int64 {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}

func assertSameIDs(t *testing.T, got, want []int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v ids, want %v", got, want)
	}
	seen := map[int64]bool{}
	for _, id := range got {
		seen[id] = true
	}
	for _, id := range want {
		if !seen[id] {
			t.Fatalf("got %v, missing id %d from want %v", got, id, want)
		}
	}
}
