package types

// NodeID identifies a graph node. It is an opaque token with no meaning
// beyond identity.
type NodeID string

// EdgeRecord is one directed edge parsed from an input shard.
type EdgeRecord struct {
	From NodeID
	To   NodeID
}

// PartialCount is a combiner's per-shard count for one destination key.
// Counts for the same key from different shards combine additively, so
// merge order never affects the total.
type PartialCount struct {
	Key   NodeID
	Count uint64
}

// ReduceResult is the final total for one key within a partition.
// In stage 1 the key is a node id and the total its in-degree; in stage 2
// the key is an in-degree value and the total is the number of nodes
// sharing it.
type ReduceResult struct {
	Key   NodeID
	Total uint64
}

// Shard is a contiguous byte range of one input file. Shards are disjoint
// and their union covers the input exactly once; the parser snaps range
// boundaries to record boundaries.
type Shard struct {
	Path   string
	Offset int64
	Length int64
}

// MapStats reports what a mapper attempt observed in its shard.
type MapStats struct {
	Records   uint64 // valid edge lines
	Malformed uint64 // lines that failed to parse
}
