package types

import "strconv"

// LessKey orders node ids for deterministic output: numerically when both
// ids parse as unsigned integers (the common case for SNAP-style graphs),
// lexicographically otherwise. Distinct ids that parse to the same number,
// "01" and "1" for instance, break the tie lexicographically so the order
// stays total. Combiner spill runs and reducer output use the same ordering
// so merges stay aligned.
func LessKey(a, b NodeID) bool {
	av, aerr := strconv.ParseUint(string(a), 10, 64)
	bv, berr := strconv.ParseUint(string(b), 10, 64)
	if aerr == nil && berr == nil {
		if av != bv {
			return av < bv
		}
		return a < b
	}
	return a < b
}
