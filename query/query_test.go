package query

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/schema"
	"github.com/entitykv/entitykv/storage"
	"github.com/entitykv/entitykv/storage/memory"
)

func TestFindOrderedDescending(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
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
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
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

func TestFindUniqueNoMatchReturnsNil(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "purple").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	result, err := q.FindUnique(ctx)
	if err != nil {
		t.Fatalf("FindUnique: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result, got %+v", result)
	}
}

func TestForEachBreaksOnSentinel(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	var visited []int64
	err = q.ForEach(ctx, func(s shirt) error {
		visited = append(visited, s.ID)
		if len(visited) == 2 {
			return entitykv.ErrBreakForEach
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(visited) != 2 {
		t.Fatalf("expected exactly 2 visits before break, got %d: %v", len(visited), visited)
	}
}

func TestForEachPropagatesConsumerError(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	boom := errors.New("boom")
	err = q.ForEach(ctx, func(s shirt) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom to propagate, got %v", err)
	}
}

func TestRemoveDeletesMatchingRows(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
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
		t.Fatalf("expected 2 removed, got %d", n)
	}

	b2 := newShirtBuilder(t, store)
	q2, err := b2.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q2.Close(ctx)
	count, err := q2.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows remaining, got %d", count)
	}
}

func TestSetParameterRebindsWithoutRecompiling(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.EqualString(colorProp, "blue").Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	results, err := q.Find(ctx)
	if err != nil || len(results) != 2 {
		t.Fatalf("expected 2 blue shirts, got %d (%v)", len(results), err)
	}

	if err := q.SetParameterString(colorProp, "red"); err != nil {
		t.Fatalf("SetParameterString: %v", err)
	}
	results, err = q.Find(ctx)
	if err != nil || len(results) != 2 {
		t.Fatalf("expected 2 red shirts after rebind, got %d (%v)", len(results), err)
	}
	for _, r := range results {
		if r.Color != "red" {
			t.Fatalf("expected only red shirts after rebind, got %+v", r)
		}
	}
}

func TestRetryLoopRecoversFromTransientReadFailure(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	store.MemoryBackend().FailNextReads(2)

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	results, err := q.Find(ctx)
	if err != nil {
		t.Fatalf("Find should have recovered after retries: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected all 4 shirts, got %d", len(results))
	}
}

func TestRetryLoopExhaustsAttempts(t *testing.T) {
	store := memory.NewStore(memory.StoreOptions{Attempts: 2, InitialBackoff: 1})
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	store.MemoryBackend().FailNextReads(5)

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	_, err = q.Find(ctx)
	if !entitykv.IsKind(err, entitykv.ErrBackend) {
		t.Fatalf("expected BackendError after exhausting retries, got %v", err)
	}
}

type fakeToOne struct {
	materialized bool
}

func (f *fakeToOne) Materialize(ctx context.Context) error {
	f.materialized = true
	return nil
}

func TestEagerResolutionRespectsLimit(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	var refs []*fakeToOne
	rel := schema.RelationDescriptor{
		Name: "owner",
		ToOneGetter: func(entity any) schema.ToOneRef {
			ref := &fakeToOne{}
			refs = append(refs, ref)
			return ref
		},
	}

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Order(priceProp).EagerLimit(2, rel).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	if _, err := q.Find(ctx); err != nil {
		t.Fatalf("Find: %v", err)
	}

	if len(refs) != 2 {
		t.Fatalf("expected the getter invoked only for the first 2 results (the eager Limit), got %d", len(refs))
	}
	for _, r := range refs {
		if !r.materialized {
			t.Fatalf("expected every fetched ref to be materialized")
		}
	}
}

func TestFindLazyResolvesOnAccess(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	lazy, err := q.FindLazy(ctx)
	if err != nil {
		t.Fatalf("FindLazy: %v", err)
	}
	if lazy.Size() != 4 {
		t.Fatalf("expected 4 ids, got %d", lazy.Size())
	}
	entity, err := lazy.Get(ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entity == nil {
		t.Fatalf("expected a resolved entity")
	}
}

func TestPropertyQueryDistinctAndAggregate(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
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
	sort.Strings(colors)
	if len(colors) != 2 || colors[0] != "blue" || colors[1] != "red" {
		t.Fatalf("expected distinct [blue red], got %v", colors)
	}

	sum, err := q.Property(priceProp).SumDouble(ctx)
	if err != nil {
		t.Fatalf("SumDouble: %v", err)
	}
	if sum != 130.0 {
		t.Fatalf("expected sum 130.0, got %v", sum)
	}
}

func TestPropertyQueryDistinctOrderRejectsNonString(t *testing.T) {
	store := newShirtStore()
	seedShirts(store.MemoryBackend())
	ctx := context.Background()

	b := newShirtBuilder(t, store)
	q, err := b.GreaterFloat(priceProp, 0).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer q.Close(ctx)

	_, err = q.Property(priceProp).DistinctOrder(storage.CaseSensitiveOrder).FindDoubles(ctx)
	if !entitykv.IsKind(err, entitykv.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
