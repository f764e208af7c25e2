package reducer

import (
	"sort"

	"DistDegree/internal/types"
)

// Reduce collapses one partition's post-shuffle partial counts into a final
// total per distinct key. Counts arrive grouped by key (the exchange sorts
// them), so a single pass with one running accumulator suffices; an
// unsorted input is sorted first so the grouping invariant always holds.
// Results come out in ascending key order for reproducible output.
func Reduce(counts []types.PartialCount) []types.ReduceResult {
	if !sort.SliceIsSorted(counts, func(i, j int) bool {
		return types.LessKey(counts[i].Key, counts[j].Key)
	}) {
		sort.Slice(counts, func(i, j int) bool {
			return types.LessKey(counts[i].Key, counts[j].Key)
		})
	}

	var results []types.ReduceResult
	for i := 0; i < len(counts); {
		key := counts[i].Key
		var total uint64
		for i < len(counts) && counts[i].Key == key {
			total += counts[i].Count
			i++
		}
		results = append(results, types.ReduceResult{Key: key, Total: total})
	}
	return results
}
