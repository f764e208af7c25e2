package types

import (
	"sort"
	"testing"
)

func TestLessKeyNumericOrder(t *testing.T) {
	keys := []NodeID{"30", "3", "10", "1", "2"}
	sort.Slice(keys, func(i, j int) bool { return LessKey(keys[i], keys[j]) })

	want := []NodeID{"1", "2", "3", "10", "30"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Position %d: got %q, want %q (full: %v)", i, keys[i], want[i], keys)
		}
	}

	t.Logf("✓ Numeric ids sort by value, not byte order")
}

func TestLessKeyTotalOrderOnNumericTies(t *testing.T) {
	// "01" and "1" are distinct ids with the same numeric value. The order
	// must still be total, or sorted sequences interleave the two and a
	// group-by-adjacency scan splits one key in half.
	if !LessKey("01", "1") {
		t.Fatalf("Expected %q < %q", "01", "1")
	}
	if LessKey("1", "01") {
		t.Fatalf("Expected !(%q < %q)", "1", "01")
	}
	if LessKey("1", "1") {
		t.Fatalf("A key must not sort before itself")
	}

	keys := []NodeID{"1", "01", "001", "1", "01"}
	sort.Slice(keys, func(i, j int) bool { return LessKey(keys[i], keys[j]) })
	for i := 1; i < len(keys); i++ {
		if keys[i] != keys[i-1] && !LessKey(keys[i-1], keys[i]) {
			t.Fatalf("Equal ids not contiguous after sort: %v", keys)
		}
	}

	t.Logf("✓ Numeric ties break lexicographically, keeping equal ids adjacent")
}

func TestLessKeyMixedKeys(t *testing.T) {
	if !LessKey("abc", "abd") {
		t.Fatalf("Expected lexicographic order for non-numeric ids")
	}
	if !LessKey("10x", "9x") {
		t.Fatalf("Non-numeric ids compare as strings: %q < %q", "10x", "9x")
	}

	t.Logf("✓ Non-numeric ids fall back to byte order")
}
