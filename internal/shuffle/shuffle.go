package shuffle

import (
	"context"
	"sort"
	"sync"
	"time"

	"DistDegree/internal/types"
)

// Exchange moves per-partition partial counts from every mapper task to the
// one reducer owning each partition. Delivery is all-or-nothing per mapper:
// a mapper publishes its complete output once, at completion. Publishes are
// tagged with the mapper's attempt number; when the coordinator reissues a
// failed mapper the exchange drops anything the dead attempt delivered, so
// a slow zombie can never double-count a shard. A reducer's Await returns
// only after every mapper task alive at stage start has published.
type Exchange struct {
	mu        sync.Mutex
	expected  map[string]int // mapper task id -> attempt currently allowed to publish
	published map[string]int // mapper task id -> attempt that delivered
	data      []map[string][]types.PartialCount
	completed int
	done      chan struct{}
}

// NewExchange creates an exchange for the given partition count and mapper
// task set. Every task starts at attempt 1.
func NewExchange(partitions int, mapTaskIDs []string) *Exchange {
	e := &Exchange{
		expected:  make(map[string]int, len(mapTaskIDs)),
		published: make(map[string]int, len(mapTaskIDs)),
		data:      make([]map[string][]types.PartialCount, partitions),
		done:      make(chan struct{}),
	}
	for i := range e.data {
		e.data[i] = make(map[string][]types.PartialCount)
	}
	for _, id := range mapTaskIDs {
		e.expected[id] = 1
	}
	if len(mapTaskIDs) == 0 {
		close(e.done)
	}
	return e
}

// Expect registers a new attempt for a reissued mapper task. Output already
// received from an earlier attempt is discarded. Must not be called for a
// task that has completed at its current attempt; the coordinator never
// retries a completed task.
func (e *Exchange) Expect(taskID string, attempt int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, known := e.expected[taskID]
	if !known || attempt <= cur {
		return
	}
	e.expected[taskID] = attempt

	if _, had := e.published[taskID]; had {
		delete(e.published, taskID)
		e.completed--
		for _, part := range e.data {
			delete(part, taskID)
		}
	}
}

// Publish delivers a completed mapper attempt's output, one batch per
// partition. It reports whether the output was accepted; stale attempts
// and duplicates are rejected.
func (e *Exchange) Publish(taskID string, attempt int, batches [][]types.PartialCount) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, known := e.expected[taskID]
	if !known || attempt != cur {
		return false
	}
	if _, already := e.published[taskID]; already {
		return false
	}

	for p, batch := range batches {
		if len(batch) > 0 {
			e.data[p][taskID] = batch
		}
	}
	e.published[taskID] = attempt
	e.completed++
	if e.completed == len(e.expected) {
		close(e.done)
	}
	return true
}

// Await blocks until every expected mapper has published, then returns the
// partition's partial counts sorted by key so contributions for one key are
// contiguous. It fails with ErrShuffleIncomplete if the mapper set does not
// complete within timeout, and with ErrCancelled on context cancellation.
func (e *Exchange) Await(ctx context.Context, partition int, timeout time.Duration) ([]types.PartialCount, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, types.ErrCancelled
	case <-timer.C:
		return nil, types.ErrShuffleIncomplete
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var counts []types.PartialCount
	for _, batch := range e.data[partition] {
		counts = append(counts, batch...)
	}
	sort.Slice(counts, func(i, j int) bool { return types.LessKey(counts[i].Key, counts[j].Key) })
	return counts, nil
}

// Missing returns the mapper task ids that have not yet published, for
// shuffle-incomplete diagnostics.
func (e *Exchange) Missing() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var missing []string
	for id := range e.expected {
		if _, ok := e.published[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
