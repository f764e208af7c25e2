package degree

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"DistDegree/internal/combiner"
	"DistDegree/internal/coordinator"
	"DistDegree/internal/logger"
	"DistDegree/internal/parser"
	"DistDegree/internal/partition"
	"DistDegree/internal/types"
)

// heartbeat cadence for map attempts, in records
const hbInterval = 4096

// Job computes the in-degree distribution of a directed graph given as an
// edge list. Stage 1 produces the in-degree of every destination node;
// stage 2 rekeys those totals by the in-degree value itself and counts how
// many nodes share each value. Stage 2 starts only after every stage-1
// partition has fully reduced.
type Job struct {
	cfg    types.Config
	master *coordinator.Master
	logger *logger.Logger
}

// Summary describes a completed job.
type Summary struct {
	Edges           uint64 // valid edge lines counted
	Nodes           uint64 // distinct destination nodes
	DistinctDegrees uint64 // distinct in-degree values
	Malformed       uint64
	Elapsed         time.Duration
	OutputDir       string
}

// NewJob validates the configuration and builds a job. repl may be nil for
// a standalone run.
func NewJob(cfg types.Config, repl coordinator.Replicator) (*Job, error) {
	master, err := coordinator.NewMaster(cfg, repl)
	if err != nil {
		return nil, err
	}
	return &Job{
		cfg:    cfg,
		master: master,
		logger: logger.New("INFO"),
	}, nil
}

// Master exposes the coordinator, for the status surface and tests.
func (j *Job) Master() *coordinator.Master { return j.master }

// Run executes both stages and publishes the output directory. Results are
// written to a staging directory and renamed into place only once the job
// is done, so a failed run never leaves a directory that looks complete.
func (j *Job) Run(ctx context.Context, inputPath, outputDir string) (*Summary, error) {
	start := time.Now()

	shardSize := j.cfg.ShardSize
	if shardSize == 0 {
		shardSize = pickShardSize(inputPath, j.cfg.Workers)
	}
	shards, err := parser.SplitShards(inputPath, shardSize)
	if err != nil {
		j.master.SetJobStatus(types.JobFailed)
		return nil, err
	}

	mapTasks := make([]*types.Task, len(shards))
	for i, sh := range shards {
		mapTasks[i] = coordinator.NewMapTask(1, sh)
	}

	st := newStageState(j)

	j.master.SetJobStatus(types.Stage1Running)
	degrees, err := j.master.RunStage(ctx, 1, mapTasks, st.stageOneMap)
	if err != nil {
		j.master.SetJobStatus(types.JobFailed)
		return nil, fmt.Errorf("stage 1 failed: %w", err)
	}

	// Barrier: the complete per-node totals are stage 2's input.
	j.master.SetJobStatus(types.Stage1Barrier)

	st.degrees = degrees
	var stage2Tasks []*types.Task
	for p, res := range degrees {
		if len(res) > 0 {
			stage2Tasks = append(stage2Tasks, coordinator.NewStageTwoMapTask(p))
		}
	}

	j.master.SetJobStatus(types.Stage2Running)
	histogram, err := j.master.RunStage(ctx, 2, stage2Tasks, st.stageTwoMap)
	if err != nil {
		j.master.SetJobStatus(types.JobFailed)
		return nil, fmt.Errorf("stage 2 failed: %w", err)
	}

	if err := writeOutput(outputDir, degrees, histogram); err != nil {
		j.master.SetJobStatus(types.JobFailed)
		return nil, err
	}
	j.master.SetJobStatus(types.JobDone)

	summary := &Summary{
		Malformed: st.malformedTotal(),
		Elapsed:   time.Since(start),
		OutputDir: outputDir,
	}
	for _, res := range degrees {
		summary.Nodes += uint64(len(res))
		for _, r := range res {
			summary.Edges += r.Total
		}
	}
	for _, res := range histogram {
		summary.DistinctDegrees += uint64(len(res))
	}

	j.logger.Info("Job done: edges=%d nodes=%d degrees=%d malformed=%d elapsed=%s",
		summary.Edges, summary.Nodes, summary.DistinctDegrees, summary.Malformed, summary.Elapsed)
	return summary, nil
}

// stageState carries the inputs the two map functions close over.
type stageState struct {
	job     *Job
	degrees [][]types.ReduceResult // stage-1 output, set at the barrier

	mu        sync.Mutex
	malformed map[string]uint64 // skipped lines per map task
}

func newStageState(j *Job) *stageState {
	return &stageState{job: j, malformed: make(map[string]uint64)}
}

// recordMalformed notes one task's skipped-line count. Keyed by task so a
// retried attempt overwrites the previous attempt's identical count instead
// of adding to it; a task's shard always parses the same way.
func (st *stageState) recordMalformed(taskID string, n uint64) {
	st.mu.Lock()
	st.malformed[taskID] = n
	st.mu.Unlock()
}

func (st *stageState) malformedTotal() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	var total uint64
	for _, n := range st.malformed {
		total += n
	}
	return total
}

// stageOneMap parses one shard, pre-aggregates destination counts under
// the combiner's memory budget, and routes the partial counts to their
// reduce partitions.
func (st *stageState) stageOneMap(ctx context.Context, task *types.Task, hb func()) (coordinator.MapOutput, error) {
	cfg := st.job.cfg

	comb := combiner.New(cfg.CombinerMemoryBudget, cfg.SpillDir)
	defer comb.Close()

	n := 0
	stats, firstMalformed, err := parser.Scan(task.Shard, func(rec types.EdgeRecord) error {
		if n%hbInterval == 0 {
			hb()
			if err := ctx.Err(); err != nil {
				return types.ErrCancelled
			}
		}
		n++
		return comb.Add(rec.To)
	})
	if err != nil {
		return nil, err
	}

	if stats.Malformed > 0 {
		total := stats.Records + stats.Malformed
		rate := float64(stats.Malformed) / float64(total)
		if rate > cfg.MaxMalformedRate {
			return nil, fmt.Errorf("shard %s@%d: malformed rate %.4f exceeds %.4f: %w",
				task.Shard.Path, task.Shard.Offset, rate, cfg.MaxMalformedRate, firstMalformed)
		}
		st.job.logger.Warn("Skipped %d malformed records in shard %s@%d (first: %v)",
			stats.Malformed, task.Shard.Path, task.Shard.Offset, firstMalformed)
		st.recordMalformed(task.ID, stats.Malformed)
	}

	return st.drain(ctx, comb, hb)
}

// stageTwoMap rekeys one stage-1 partition's totals by the in-degree value
// with an increment of one per node.
func (st *stageState) stageTwoMap(ctx context.Context, task *types.Task, hb func()) (coordinator.MapOutput, error) {
	cfg := st.job.cfg

	comb := combiner.New(cfg.CombinerMemoryBudget, cfg.SpillDir)
	defer comb.Close()

	for i, r := range st.degrees[task.Partition] {
		if i%hbInterval == 0 {
			hb()
			if err := ctx.Err(); err != nil {
				return nil, types.ErrCancelled
			}
		}
		key := types.NodeID(strconv.FormatUint(r.Total, 10))
		if err := comb.Add(key); err != nil {
			return nil, err
		}
	}

	return st.drain(ctx, comb, hb)
}

// drain empties a combiner into per-partition batches.
func (st *stageState) drain(ctx context.Context, comb *combiner.Combiner, hb func()) (coordinator.MapOutput, error) {
	out := make(coordinator.MapOutput, st.job.cfg.PartitionCount)
	n := 0
	err := comb.Drain(func(pc types.PartialCount) error {
		if n%hbInterval == 0 {
			hb()
			if err := ctx.Err(); err != nil {
				return types.ErrCancelled
			}
		}
		n++
		p := partition.Index(pc.Key, st.job.cfg.PartitionCount)
		out[p] = append(out[p], pc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// pickShardSize targets a few shards per worker, floored so tiny inputs
// become a single task.
func pickShardSize(path string, workers int) int64 {
	const minShard = 1 << 20

	info, err := os.Stat(path)
	if err != nil {
		return minShard
	}
	size := info.Size()/int64(workers*4) + 1
	if size < minShard {
		return minShard
	}
	return size
}
