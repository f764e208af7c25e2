package combiner

import (
	"path/filepath"
	"testing"

	"DistDegree/internal/types"
)

func drainAll(t *testing.T, c *Combiner) map[types.NodeID]uint64 {
	t.Helper()
	out := make(map[types.NodeID]uint64)
	var prev types.NodeID
	first := true
	err := c.Drain(func(pc types.PartialCount) error {
		if _, dup := out[pc.Key]; dup {
			t.Fatalf("Key emitted twice: %s", pc.Key)
		}
		if !first && !types.LessKey(prev, pc.Key) {
			t.Fatalf("Keys out of order: %s before %s", prev, pc.Key)
		}
		prev, first = pc.Key, false
		out[pc.Key] = pc.Count
		return nil
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	return out
}

func TestCombinerInMemory(t *testing.T) {
	c := New(1<<20, t.TempDir())
	defer c.Close()

	for _, k := range []types.NodeID{"3", "2", "3", "10", "3", "2"} {
		if err := c.Add(k); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	got := drainAll(t, c)
	want := map[types.NodeID]uint64{"2": 2, "3": 3, "10": 1}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Count mismatch for %s: got %d, want %d", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Distinct key mismatch: got %d, want %d", len(got), len(want))
	}

	t.Logf("✓ In-memory combining produced correct sorted counts")
}

func TestCombinerSpillsUnderMemoryPressure(t *testing.T) {
	dir := t.TempDir()
	// A budget this small forces a spill on nearly every insert.
	c := New(64, dir)

	want := make(map[types.NodeID]uint64)
	for i := 0; i < 500; i++ {
		k := types.NodeID(string(rune('a'+i%7)) + "-node")
		if err := c.Add(k); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		want[k]++
	}

	runs, _ := filepath.Glob(filepath.Join(dir, "combine-spill-*.run"))
	if len(runs) == 0 {
		t.Fatalf("Expected spill runs on disk before drain")
	}

	got := drainAll(t, c)
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Count mismatch for %s after spill merge: got %d, want %d", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Distinct key mismatch: got %d, want %d", len(got), len(want))
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	runs, _ = filepath.Glob(filepath.Join(dir, "combine-spill-*.run"))
	if len(runs) != 0 {
		t.Fatalf("Spill files not removed after Close: %v", runs)
	}

	t.Logf("✓ Spill runs merged correctly and removed on Close")
}

func TestCombinerMergesNumericallyEqualIdsAcrossRuns(t *testing.T) {
	// "01", "001" and "1" share a numeric value but are distinct keys.
	// Force them into separate spill runs and check the merge keeps them
	// apart without emitting any of them twice.
	c := New(64, t.TempDir())
	defer c.Close()

	for i := 0; i < 3; i++ {
		for _, k := range []types.NodeID{"01", "1", "001"} {
			if err := c.Add(k); err != nil {
				t.Fatalf("Add failed: %v", err)
			}
		}
	}

	got := drainAll(t, c)
	want := map[types.NodeID]uint64{"001": 3, "01": 3, "1": 3}
	if len(got) != len(want) {
		t.Fatalf("Distinct key mismatch: got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Count mismatch for %s: got %d, want %d", k, got[k], v)
		}
	}

	t.Logf("✓ Numerically equal ids stay distinct through the spill merge")
}

func TestCombinerEmptyDrain(t *testing.T) {
	c := New(1024, t.TempDir())
	defer c.Close()

	got := drainAll(t, c)
	if len(got) != 0 {
		t.Fatalf("Expected empty drain, got %v", got)
	}

	t.Logf("✓ Empty combiner drains nothing")
}

func TestCombinerNumericKeyOrder(t *testing.T) {
	c := New(1<<20, t.TempDir())
	defer c.Close()

	for _, k := range []types.NodeID{"10", "2", "1", "30", "3"} {
		if err := c.Add(k); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	var order []types.NodeID
	if err := c.Drain(func(pc types.PartialCount) error {
		order = append(order, pc.Key)
		return nil
	}); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	want := []types.NodeID{"1", "2", "3", "10", "30"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Order mismatch at %d: got %v, want %v", i, order, want)
		}
	}

	t.Logf("✓ Numeric node ids drain in numeric order")
}
