package reducer

import (
	"testing"

	"DistDegree/internal/types"
)

func TestReduceSumsByKey(t *testing.T) {
	counts := []types.PartialCount{
		{Key: "2", Count: 1},
		{Key: "3", Count: 2},
		{Key: "3", Count: 1},
		{Key: "10", Count: 4},
	}

	results := Reduce(counts)

	want := []types.ReduceResult{
		{Key: "2", Total: 1},
		{Key: "3", Total: 3},
		{Key: "10", Total: 4},
	}
	if len(results) != len(want) {
		t.Fatalf("Got %d results, want %d: %v", len(results), len(want), results)
	}
	for i := range want {
		if results[i] != want[i] {
			t.Fatalf("Result %d mismatch: got %+v, want %+v", i, results[i], want[i])
		}
	}

	t.Logf("✓ Contiguous counts summed per key in ascending order")
}

func TestReduceUnsortedInput(t *testing.T) {
	counts := []types.PartialCount{
		{Key: "9", Count: 1},
		{Key: "1", Count: 2},
		{Key: "9", Count: 3},
	}

	results := Reduce(counts)

	if len(results) != 2 {
		t.Fatalf("Got %d results, want 2: %v", len(results), results)
	}
	if results[0].Key != "1" || results[0].Total != 2 {
		t.Fatalf("Unexpected first result: %+v", results[0])
	}
	if results[1].Key != "9" || results[1].Total != 4 {
		t.Fatalf("Unexpected second result: %+v", results[1])
	}

	t.Logf("✓ Ungrouped input is regrouped before summing")
}

func TestReduceDistinctIdsWithEqualNumericValue(t *testing.T) {
	counts := []types.PartialCount{
		{Key: "01", Count: 1},
		{Key: "1", Count: 1},
		{Key: "01", Count: 1},
	}

	results := Reduce(counts)

	if len(results) != 2 {
		t.Fatalf("Got %d results, want 2: %v", len(results), results)
	}
	seen := make(map[types.NodeID]uint64, 2)
	for _, r := range results {
		if _, dup := seen[r.Key]; dup {
			t.Fatalf("Key %q emitted twice: %v", r.Key, results)
		}
		seen[r.Key] = r.Total
	}
	if seen["01"] != 2 || seen["1"] != 1 {
		t.Fatalf("Unexpected totals: %v", results)
	}

	t.Logf("✓ Ids that parse to the same number stay distinct keys")
}

func TestReduceEmpty(t *testing.T) {
	if results := Reduce(nil); len(results) != 0 {
		t.Fatalf("Expected no results for empty input, got %v", results)
	}
	t.Logf("✓ Empty partition reduces to nothing")
}
