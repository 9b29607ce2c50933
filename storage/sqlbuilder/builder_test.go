package sqlbuilder

import "testing"

func TestRebindLeavesQuestionStyleAlone(t *testing.T) {
	sql := "SELECT id FROM t WHERE a = ? AND b = ?"
	if got := Rebind(sql, PlaceholderQuestion); got != sql {
		t.Fatalf("Rebind = %q, want unchanged", got)
	}
}

func TestRebindRenumbersForDollarStyle(t *testing.T) {
	sql := "SELECT id FROM t WHERE a = ? AND b = ? OR c = ?"
	want := "SELECT id FROM t WHERE a = $1 AND b = $2 OR c = $3"
	if got := Rebind(sql, PlaceholderDollar); got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}
}

func TestRebindHandlesNestedUnionFragments(t *testing.T) {
	sql := "(SELECT id FROM t WHERE a = ?) UNION (SELECT id FROM t WHERE b = ?)"
	want := "(SELECT id FROM t WHERE a = $1) UNION (SELECT id FROM t WHERE b = $2)"
	if got := Rebind(sql, PlaceholderDollar); got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}
}
