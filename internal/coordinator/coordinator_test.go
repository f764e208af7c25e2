package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DistDegree/internal/partition"
	"DistDegree/internal/types"
)

func testConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.PartitionCount = 4
	cfg.Workers = 2
	cfg.TaskTimeout = 2 * time.Second
	cfg.MaxRetries = 2
	return cfg
}

// emitKeys routes one PartialCount per key occurrence to its partition.
func emitKeys(n int, keys ...types.NodeID) MapOutput {
	out := make(MapOutput, n)
	for _, k := range keys {
		p := partition.Index(k, n)
		out[p] = append(out[p], types.PartialCount{Key: k, Count: 1})
	}
	return out
}

// shardMapFn returns a MapFunc emitting fixed keys per synthetic shard path.
func shardMapFn(n int, byShard map[string][]types.NodeID) MapFunc {
	return func(ctx context.Context, task *types.Task, hb func()) (MapOutput, error) {
		hb()
		return emitKeys(n, byShard[task.Shard.Path]...), nil
	}
}

func totals(results [][]types.ReduceResult) map[types.NodeID]uint64 {
	out := make(map[types.NodeID]uint64)
	for _, part := range results {
		for _, r := range part {
			out[r.Key] += r.Total
		}
	}
	return out
}

func TestRunStageAggregatesAcrossMappers(t *testing.T) {
	cfg := testConfig()
	m, err := NewMaster(cfg, nil)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}

	byShard := map[string][]types.NodeID{
		"s0": {"2", "3", "3"},
		"s1": {"3", "7"},
		"s2": {"2"},
	}
	tasks := []*types.Task{
		NewMapTask(1, types.Shard{Path: "s0"}),
		NewMapTask(1, types.Shard{Path: "s1"}),
		NewMapTask(1, types.Shard{Path: "s2"}),
	}

	results, err := m.RunStage(context.Background(), 1, tasks, shardMapFn(cfg.PartitionCount, byShard))
	if err != nil {
		t.Fatalf("RunStage failed: %v", err)
	}

	got := totals(results)
	want := map[types.NodeID]uint64{"2": 2, "3": 3, "7": 1}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Total mismatch for %s: got %d, want %d", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Key set mismatch: got %v", got)
	}

	t.Logf("✓ Partial counts from all mappers merged into correct totals")
}

func TestCrashedAttemptIsReissued(t *testing.T) {
	cfg := testConfig()
	m, err := NewMaster(cfg, nil)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}

	m.SetFaultHook(func(taskID string, attempt int) error {
		if attempt == 1 {
			return types.ErrTaskCrash
		}
		return nil
	})

	byShard := map[string][]types.NodeID{"s0": {"1", "1"}, "s1": {"1"}}
	tasks := []*types.Task{
		NewMapTask(1, types.Shard{Path: "s0"}),
		NewMapTask(1, types.Shard{Path: "s1"}),
	}

	results, err := m.RunStage(context.Background(), 1, tasks, shardMapFn(cfg.PartitionCount, byShard))
	if err != nil {
		t.Fatalf("RunStage failed: %v", err)
	}

	if got := totals(results)["1"]; got != 3 {
		t.Fatalf("Total after retries = %d, want 3", got)
	}
	for _, task := range tasks {
		rec, ok := m.Task(task.ID)
		if !ok {
			t.Fatalf("Task %s missing from table", task.ID)
		}
		if rec.Status != types.TaskCompleted || rec.Attempt != 2 {
			t.Fatalf("Task %s: status=%s attempt=%d, want completed attempt 2", task.ID, rec.Status, rec.Attempt)
		}
	}

	t.Logf("✓ Every crashed attempt 1 was reissued and attempt 2 completed")
}

func TestTimedOutMapperRetriesMatchCleanRun(t *testing.T) {
	cfg := testConfig()
	byShard := map[string][]types.NodeID{
		"s0": {"4", "5", "5"},
		"s1": {"5", "6"},
	}
	newTasks := func() []*types.Task {
		return []*types.Task{
			NewMapTask(1, types.Shard{Path: "s0"}),
			NewMapTask(1, types.Shard{Path: "s1"}),
		}
	}

	clean, err := NewMaster(cfg, nil)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}
	baseline, err := clean.RunStage(context.Background(), 1, newTasks(), shardMapFn(cfg.PartitionCount, byShard))
	if err != nil {
		t.Fatalf("Clean run failed: %v", err)
	}

	faulty, err := NewMaster(cfg, nil)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}
	var injected atomic.Bool
	var victim atomic.Value
	faulty.SetFaultHook(func(taskID string, attempt int) error {
		if attempt == 1 && injected.CompareAndSwap(false, true) {
			victim.Store(taskID)
			return types.ErrTaskTimeout
		}
		return nil
	})

	results, err := faulty.RunStage(context.Background(), 1, newTasks(), shardMapFn(cfg.PartitionCount, byShard))
	if err != nil {
		t.Fatalf("Faulty run failed: %v", err)
	}

	got, want := totals(results), totals(baseline)
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("Total mismatch for %s: got %d, want %d", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("Key set mismatch: got %v, want %v", got, want)
	}

	id := victim.Load().(string)
	rec, ok := faulty.Task(id)
	if !ok || rec.Attempt != 2 || rec.Status != types.TaskCompleted {
		t.Fatalf("Victim task %s: %+v, want completed attempt 2", id, rec)
	}

	t.Logf("✓ Attempt 2 issued after forced timeout; totals match the clean run")
}

func TestRetryExhaustedFailsJob(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	m, err := NewMaster(cfg, nil)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}

	tasks := []*types.Task{NewMapTask(1, types.Shard{Path: "s0"})}
	doomed := tasks[0].ID
	m.SetFaultHook(func(taskID string, attempt int) error {
		if taskID == doomed {
			return types.ErrTaskCrash
		}
		return nil
	})

	_, err = m.RunStage(context.Background(), 1, tasks,
		shardMapFn(cfg.PartitionCount, map[string][]types.NodeID{"s0": {"1"}}))

	var exhausted *types.RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected RetryExhaustedError, got %v", err)
	}
	if exhausted.TaskID != doomed || exhausted.Stage != 1 {
		t.Fatalf("Unexpected exhaustion detail: %+v", exhausted)
	}
	if m.JobStatus() != types.JobFailed {
		t.Fatalf("Job status = %s, want %s", m.JobStatus(), types.JobFailed)
	}

	t.Logf("✓ Exhausted retries aborted the job: %v", err)
}

func TestInvalidConfigRejectedBeforeScheduling(t *testing.T) {
	cfg := testConfig()
	cfg.PartitionCount = 0

	_, err := NewMaster(cfg, nil)
	var cerr *types.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if cerr.Field != "PartitionCount" {
		t.Fatalf("Wrong field flagged: %+v", cerr)
	}

	t.Logf("✓ PartitionCount <= 0 rejected at job start: %v", err)
}

func TestStageCancellation(t *testing.T) {
	cfg := testConfig()
	m, err := NewMaster(cfg, nil)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := func(ctx context.Context, task *types.Task, hb func()) (MapOutput, error) {
		<-ctx.Done()
		return nil, types.ErrCancelled
	}

	_, err = m.RunStage(ctx, 1, []*types.Task{NewMapTask(1, types.Shard{Path: "s0"})}, blocked)
	if !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}

	t.Logf("✓ Cancelled stage reported cleanly without partial results")
}

// recordingReplicator captures replicated transitions for inspection.
type recordingReplicator struct {
	mu            sync.Mutex
	registrations []types.WorkerRegistration
	health        []types.WorkerHeartbeat
}

func (r *recordingReplicator) ApplyTask(types.TaskTransition) error   { return nil }
func (r *recordingReplicator) ApplyStage(types.StageTransition) error { return nil }

func (r *recordingReplicator) ApplyWorker(w types.WorkerRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, w)
	return nil
}

func (r *recordingReplicator) ApplyWorkerHealth(hb types.WorkerHeartbeat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = append(r.health, hb)
	return nil
}

func TestRetiredWorkerReplicatedDead(t *testing.T) {
	cfg := testConfig()
	repl := &recordingReplicator{}
	m, err := NewMaster(cfg, repl)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}

	workerID := m.RegisterWorker("10.0.0.9:7001")
	m.RetireWorker(workerID)

	repl.mu.Lock()
	defer repl.mu.Unlock()

	// Pool workers plus the externally registered one.
	if got := len(repl.registrations); got != cfg.Workers+1 {
		t.Fatalf("Got %d replicated registrations, want %d", got, cfg.Workers+1)
	}
	if len(repl.health) != 1 {
		t.Fatalf("Got %d replicated health updates, want 1: %+v", len(repl.health), repl.health)
	}
	if hb := repl.health[0]; hb.WorkerID != workerID || hb.Status != types.WorkerDead {
		t.Fatalf("Unexpected health update: %+v", hb)
	}

	state := m.Snapshot()
	if w, ok := state.Workers[workerID]; !ok || w.Status != types.WorkerDead {
		t.Fatalf("Worker not marked dead in snapshot: %+v", state.Workers[workerID])
	}

	t.Logf("✓ Node departure retires the worker and replicates its death")
}

func TestRetireUnknownWorkerIgnored(t *testing.T) {
	repl := &recordingReplicator{}
	m, err := NewMaster(testConfig(), repl)
	if err != nil {
		t.Fatalf("NewMaster failed: %v", err)
	}

	m.RetireWorker("worker-missing")

	repl.mu.Lock()
	defer repl.mu.Unlock()
	if len(repl.health) != 0 {
		t.Fatalf("Unknown worker retire must not replicate: %+v", repl.health)
	}

	t.Logf("✓ Retire of an unknown worker is a no-op")
}
