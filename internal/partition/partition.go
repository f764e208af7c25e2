package partition

import (
	"hash/fnv"

	"DistDegree/internal/types"
)

// Index routes a key to one of n reduce partitions. It is a pure function:
// the same key always lands on the same partition for the lifetime of a
// run. FNV-64a mixes well enough that sequential numeric node ids do not
// produce hot partitions. n must be validated > 0 before the job starts.
func Index(key types.NodeID, n int) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
