package sqlengine

import (
	"context"
	"strings"
	"testing"

	"github.com/entitykv/entitykv/storage"
)

func newTestEngine() *Engine {
	return &Engine{
		builders:   make(map[storage.BuilderHandle]*builderState),
		conditions: make(map[storage.ConditionHandle]*fragment),
		queries:    make(map[storage.QueryHandle]*queryState),
	}
}

func TestInInt64EmptyValuesMatchesNothingWhenNotNegated(t *testing.T) {
	e := newTestEngine()
	h, _ := e.CreateBuilder(context.Background(), "Shirt")
	ch, err := e.InInt64(context.Background(), h, 1, nil, false)
	if err != nil {
		t.Fatalf("InInt64: %v", err)
	}
	f := e.conditions[ch]
	if !strings.Contains(f.sql, "1 = 0") {
		t.Fatalf("expected a never-matching fragment, got %q", f.sql)
	}
}

func TestInInt64EmptyValuesNegatedMatchesAnyValue(t *testing.T) {
	e := newTestEngine()
	h, _ := e.CreateBuilder(context.Background(), "Shirt")
	ch, err := e.InInt64(context.Background(), h, 1, nil, true)
	if err != nil {
		t.Fatalf("InInt64: %v", err)
	}
	f := e.conditions[ch]
	if strings.Contains(f.sql, "1 = 0") {
		t.Fatalf("negated empty set must not be the never-matching fragment, got %q", f.sql)
	}
	if len(f.args) != 2 {
		t.Fatalf("expected entity_name/property_id args only, got %v", f.args)
	}
}

func TestInInt64DoesNotUseASentinelValue(t *testing.T) {
	// A row whose stored value is genuinely -1 must still match In([-1]);
	// an earlier draft used -1 as a sentinel for "no values" and would
	// have broken this.
	e := newTestEngine()
	h, _ := e.CreateBuilder(context.Background(), "Shirt")
	ch, err := e.InInt64(context.Background(), h, 1, []int64{-1}, false)
	if err != nil {
		t.Fatalf("InInt64: %v", err)
	}
	f := e.conditions[ch]
	found := false
	for _, a := range f.args {
		if v, ok := a.(int64); ok && v == -1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected -1 to appear as a genuine bound arg, got %v", f.args)
	}
}

func TestCombineNestsFragmentsWithMatchingArgOrder(t *testing.T) {
	e := newTestEngine()
	h, _ := e.CreateBuilder(context.Background(), "Shirt")
	c1, _ := e.EqualInt(context.Background(), h, 1, 10)
	c2, _ := e.EqualInt(context.Background(), h, 2, 20)

	ch, err := e.Combine(context.Background(), h, c1, c2, true)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	f := e.conditions[ch]
	if !strings.Contains(f.sql, "UNION") {
		t.Fatalf("expected UNION in combined sql, got %q", f.sql)
	}
	if len(f.args) != len(e.conditions[c1].args)+len(e.conditions[c2].args) {
		t.Fatalf("combined args length mismatch: %v", f.args)
	}
}

func TestCompareStringRespectsCaseSensitiveFlag(t *testing.T) {
	if c := compareProp("Blue", "blue", storage.CaseSensitive); c == 0 {
		t.Fatalf("case-sensitive compare should distinguish Blue from blue")
	}
	if c := compareProp("Blue", "blue", 0); c != 0 {
		t.Fatalf("case-insensitive compare should treat Blue == blue, got %d", c)
	}
}

func TestComparePropNullsOrdering(t *testing.T) {
	if c := compareProp(nil, int64(5), 0); c >= 0 {
		t.Fatalf("nil should sort before a value by default, got %d", c)
	}
	if c := compareProp(nil, int64(5), storage.NullsLast); c <= 0 {
		t.Fatalf("nil should sort after a value with NullsLast, got %d", c)
	}
}

func TestIdListPlaceholdersMatchesArgCount(t *testing.T) {
	placeholders, args := idListPlaceholders([]int64{1, 2, 3})
	if got := strings.Count(placeholders, "?"); got != 3 {
		t.Fatalf("expected 3 placeholders, got %d (%q)", got, placeholders)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %v", args)
	}
}
