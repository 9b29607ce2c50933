package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/query"
	"github.com/entitykv/entitykv/schema"
	"github.com/entitykv/entitykv/storage"
)

type shirt struct {
	ID    int64
	Color string
	Size  string
	Price float64
	Tag   []byte
}

var (
	shirtEntity = schema.EntityInfo[shirt]{Name: "Shirt"}
	colorProp   = schema.PropertyRef{ID: 1, DeclaredType: schema.String, EntityName: "Shirt"}
	sizeProp    = schema.PropertyRef{ID: 2, DeclaredType: schema.String, EntityName: "Shirt"}
	priceProp   = schema.PropertyRef{ID: 3, DeclaredType: schema.Double, EntityName: "Shirt"}
	tagProp     = schema.PropertyRef{ID: 4, DeclaredType: schema.ByteArray, EntityName: "Shirt"}
)

func decodeShirt(row storage.Row) (shirt, error) {
	var s shirt
	err := row.Decode(&s)
	return s, err
}

// openTestStore opens a fresh, uniquely-named in-memory SQLite database
// per call so concurrent tests never share state.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := Open(context.Background(), dsn, Options{Driver: DriverPureGo})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedShirts(t *testing.T, store *Store) {
	t.Helper()
	rows := []shirt{
		{ID: 1, Color: "blue", Size: "XL", Price: 45.0},
		{ID: 2, Color: "blue", Size: "M", Price: 25.0},
		{ID: 3, Color: "red", Size: "XL", Price: 45.0},
		{ID: 4, Color: "red", Size: "S", Price: 15.0, Tag: []byte("clearance")},
	}
	for _, s := range rows {
		props := map[uint32]any{
			colorProp.ID: s.Color,
			sizeProp.ID:  s.Size,
			priceProp.ID: s.Price,
		}
		if s.Tag != nil {
			props[tagProp.ID] = s.Tag
		}
		if err := store.Engine().Put(context.Background(), "Shirt", s.ID, props, s); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
}

func newShirtBuilder(t *testing.T, store *Store) *query.QueryBuilder[shirt] {
	t.Helper()
	b, err := query.NewQueryBuilder(context.Background(), store, shirtEntity, decodeShirt)
	if err != nil {
		t.Fatalf("NewQueryBuilder: %v", err)
	}
	return b
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

func TestEqualStringFiltersRows(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "blue").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	results, err := q.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	assertSameIDs(t, idsOf(results), []int64{1, 2})
}

// TestCombinatorDefaultAnd mirrors the builder's worked example against a
// real SQLite-backed engine instead of the in-memory reference one.
func TestCombinatorDefaultAnd(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
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
	assertSameIDs(t, idsOf(results), []int64{1, 2, 4})
}

func TestOrderDescendingByFloatProperty(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).OrderDesc(priceProp).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	results, err := q.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].Price < results[i].Price {
			t.Fatalf("results not descending by price: %+v", results)
		}
	}
}

func TestFindUniqueFailsWithMoreThanOneMatch(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "blue").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	_, err = q.FindUnique(ctx)
	if !entitykv.IsKind(err, entitykv.ErrNotUnique) {
		t.Fatalf("expected NotUnique, got %v", err)
	}
}

func TestSetParameterDoubleRebindsPriceFilter(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.LessFloat(priceProp, 20).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	results, err := q.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	assertSameIDs(t, idsOf(results), []int64{4})

	if err := q.SetParameterDouble(priceProp, 50); err != nil {
		t.Fatalf("SetParameterDouble: %v", err)
	}
	results, err = q.Find(ctx)
	if err != nil {
		t.Fatalf("Find after rebind: %v", err)
	}
	assertSameIDs(t, idsOf(results), []int64{1, 2, 3, 4})
}

func TestPropertyAggregates(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	sum, err := q.Property(priceProp).SumDouble(ctx)
	if err != nil {
		t.Fatalf("SumDouble: %v", err)
	}
	if sum != 45+25+45+15 {
		t.Fatalf("SumDouble = %v, want 130", sum)
	}

	avg, err := q.Property(priceProp).Avg(ctx)
	if err != nil {
		t.Fatalf("Avg: %v", err)
	}
	if avg != 130.0/4 {
		t.Fatalf("Avg = %v, want 32.5", avg)
	}

	max, err := q.Property(priceProp).MaxDouble(ctx)
	if err != nil {
		t.Fatalf("MaxDouble: %v", err)
	}
	if max != 45 {
		t.Fatalf("MaxDouble = %v, want 45", max)
	}
}

func TestPropertyDistinctStrings(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	colors, err := q.Property(colorProp).Distinct().FindStrings(ctx)
	if err != nil {
		t.Fatalf("FindStrings: %v", err)
	}
	if len(colors) != 2 {
		t.Fatalf("FindStrings distinct = %v, want 2 distinct colors", colors)
	}
}

func TestFindBytesRoundTrip(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "red").EqualString(sizeProp, "S").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	got, err := q.Property(tagProp).FindBytes(ctx)
	if err != nil {
		t.Fatalf("FindBytes: %v", err)
	}
	if string(got) != "clearance" {
		t.Fatalf("FindBytes = %q, want %q", got, "clearance")
	}
}

// TestUniqueIgnoredByArrayPropertyFinds locks in that Unique() only
// constrains the scalar property finds; the array-returning ones return
// every matched value even when more than one row matches.
func TestUniqueIgnoredByArrayPropertyFinds(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "blue").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	colors, err := q.Property(colorProp).Unique().FindStrings(ctx)
	if err != nil {
		t.Fatalf("FindStrings: %v", err)
	}
	if len(colors) != 2 {
		t.Fatalf("FindStrings with Unique() = %v, want 2 rows (blue, blue)", colors)
	}

	b2 := newShirtBuilder(t, store)
	q2, err := b2.EqualString(colorProp, "blue").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q2.Close(ctx)

	prices, err := q2.Property(priceProp).Unique().FindDoubles(ctx)
	if err != nil {
		t.Fatalf("FindDoubles: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("FindDoubles with Unique() = %v, want 2 rows", prices)
	}
}

func TestRemoveDeletesMatchedRows(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "red").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	n, err := q.Remove(ctx)
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n != 2 {
		t.Fatalf("Remove removed %d rows, want 2", n)
	}

	count, err := q.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("Count after Remove = %d, want 0", count)
	}
}

func TestIsNullAndNotNull(t *testing.T) {
	store := openTestStore(t)
	seedShirts(t, store)
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.NotNull(tagProp).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)
	results, err := q.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	assertSameIDs(t, idsOf(results), []int64{4})

	b2 := newShirtBuilder(t, store)
	q2, err := b2.IsNull(tagProp).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q2.Close(ctx)
	results2, err := q2.Find(ctx)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	assertSameIDs(t, idsOf(results2), []int64{1, 2, 3})
}
