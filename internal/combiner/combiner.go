package combiner

import (
	"bufio"
	"container/heap"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"DistDegree/internal/types"
)

// approximate per-entry map overhead in bytes, on top of the key itself
const entryOverhead = 48

// Combiner accumulates per-key counts for one shard under a memory budget.
// When the budget is exceeded the current mapping is flushed as a sorted
// run to a temp file and a fresh mapping started; Drain merges all runs, so
// peak memory stays bounded no matter how many distinct keys the shard has.
// Spill files are owned by the combiner and removed by Close.
type Combiner struct {
	budget int64
	dir    string
	counts map[types.NodeID]uint64
	approx int64
	runs   []string
}

// New creates a combiner with the given memory budget in bytes. Runs are
// spilled under dir; an empty dir means the system temp directory.
func New(budget int64, dir string) *Combiner {
	return &Combiner{
		budget: budget,
		dir:    dir,
		counts: make(map[types.NodeID]uint64),
	}
}

// Add records one occurrence of key, spilling first if the budget is
// already exhausted.
func (c *Combiner) Add(key types.NodeID) error {
	if _, seen := c.counts[key]; !seen {
		c.approx += int64(len(key)) + entryOverhead
	}
	c.counts[key]++

	if c.approx > c.budget {
		if err := c.spill(); err != nil {
			return err
		}
	}
	return nil
}

// spill writes the current mapping as a sorted run and resets it.
func (c *Combiner) spill() error {
	if len(c.counts) == 0 {
		return nil
	}

	f, err := os.CreateTemp(c.dir, "combine-spill-*.run")
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}

	keys := make([]types.NodeID, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return types.LessKey(keys[i], keys[j]) })

	w := bufio.NewWriter(f)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, c.counts[k])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to write spill file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("failed to close spill file: %w", err)
	}

	c.runs = append(c.runs, f.Name())
	c.counts = make(map[types.NodeID]uint64)
	c.approx = 0
	return nil
}

// Drain emits one PartialCount per distinct key seen by this combiner, in
// ascending key order, merging in-memory state with any spilled runs. The
// combiner is exhausted afterwards; call Close to release spill files.
func (c *Combiner) Drain(fn func(types.PartialCount) error) error {
	if len(c.runs) == 0 {
		keys := make([]types.NodeID, 0, len(c.counts))
		for k := range c.counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return types.LessKey(keys[i], keys[j]) })
		for _, k := range keys {
			if err := fn(types.PartialCount{Key: k, Count: c.counts[k]}); err != nil {
				return err
			}
		}
		return nil
	}

	// Flush the tail so the merge only deals with sorted runs.
	if err := c.spill(); err != nil {
		return err
	}
	return c.mergeRuns(fn)
}

// Close removes all spill files. Safe to call more than once.
func (c *Combiner) Close() error {
	var firstErr error
	for _, run := range c.runs {
		if err := os.Remove(run); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	c.runs = nil
	c.counts = nil
	return firstErr
}

// mergeRuns k-way merges the sorted runs, summing counts for keys that
// appear in more than one run.
func (c *Combiner) mergeRuns(fn func(types.PartialCount) error) error {
	readers := make([]*runReader, 0, len(c.runs))
	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()

	h := &runHeap{}
	for _, path := range c.runs {
		r, err := openRun(path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		if pc, ok, err := r.next(); err != nil {
			return err
		} else if ok {
			heap.Push(h, runEntry{pc: pc, src: r})
		}
	}

	var cur types.PartialCount
	have := false
	for h.Len() > 0 {
		e := heap.Pop(h).(runEntry)
		if have && e.pc.Key == cur.Key {
			cur.Count += e.pc.Count
		} else {
			if have {
				if err := fn(cur); err != nil {
					return err
				}
			}
			cur = e.pc
			have = true
		}
		if pc, ok, err := e.src.next(); err != nil {
			return err
		} else if ok {
			heap.Push(h, runEntry{pc: pc, src: e.src})
		}
	}
	if have {
		return fn(cur)
	}
	return nil
}

type runReader struct {
	path string
	f    *os.File
	sc   *bufio.Scanner
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill run %s: %w", path, err)
	}
	return &runReader{path: path, f: f, sc: bufio.NewScanner(f)}, nil
}

func (r *runReader) next() (types.PartialCount, bool, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return types.PartialCount{}, false, fmt.Errorf("failed to read spill run %s: %w", r.path, err)
		}
		return types.PartialCount{}, false, nil
	}
	line := r.sc.Text()
	i := strings.IndexByte(line, '\t')
	if i < 0 {
		return types.PartialCount{}, false, fmt.Errorf("corrupt spill run %s: %q", r.path, line)
	}
	count, err := strconv.ParseUint(line[i+1:], 10, 64)
	if err != nil {
		return types.PartialCount{}, false, fmt.Errorf("corrupt spill run %s: %q", r.path, line)
	}
	return types.PartialCount{Key: types.NodeID(line[:i]), Count: count}, true, nil
}

func (r *runReader) close() {
	r.f.Close()
}

type runEntry struct {
	pc  types.PartialCount
	src *runReader
}

type runHeap []runEntry

func (h runHeap) Len() int            { return len(h) }
func (h runHeap) Less(i, j int) bool  { return types.LessKey(h[i].pc.Key, h[j].pc.Key) }
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x interface{}) { *h = append(*h, x.(runEntry)) }
func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
