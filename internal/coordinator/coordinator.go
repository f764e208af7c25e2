package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistDegree/internal/logger"
	"DistDegree/internal/reducer"
	"DistDegree/internal/shuffle"
	"DistDegree/internal/types"
)

// MapOutput is a completed map attempt's partial counts, one batch per
// reduce partition.
type MapOutput [][]types.PartialCount

// MapFunc executes one map task attempt. hb must be called periodically
// while the attempt makes progress; an attempt whose heartbeat goes stale
// for longer than the task timeout is declared failed and reissued.
type MapFunc func(ctx context.Context, task *types.Task, hb func()) (MapOutput, error)

// Replicator publishes coordinator state transitions to a replicated log
// so a standby master can observe job progress. May be nil.
type Replicator interface {
	ApplyTask(t types.TaskTransition) error
	ApplyStage(s types.StageTransition) error
	ApplyWorker(w types.WorkerRegistration) error
	ApplyWorkerHealth(hb types.WorkerHeartbeat) error
}

// Master owns the task table and drives a stage to completion: it assigns
// map tasks to a worker pool, runs one reducer per partition, detects
// stalled attempts, and reissues failed tasks up to the retry limit. The
// task table is the only mutable state shared across tasks and every
// update happens under one lock.
type Master struct {
	cfg    types.Config
	logger *logger.Logger
	repl   Replicator

	mu      sync.Mutex
	status  types.JobStatus
	tasks   map[string]*types.Task
	workers map[string]*types.Worker
	poolIDs []string // in-process pool worker ids, registered once
	fatal   error

	// test hook: invoked before each map attempt, a non-nil error fails
	// the attempt with that cause
	faultHook func(taskID string, attempt int) error
}

// NewMaster validates the configuration and creates a master. repl may be
// nil for a standalone (non-replicated) run.
func NewMaster(cfg types.Config, repl Replicator) (*Master, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lg := logger.New("INFO")
	lg.Info("Master initialized: partitions=%d workers=%d max_retries=%d",
		cfg.PartitionCount, cfg.Workers, cfg.MaxRetries)

	m := &Master{
		cfg:     cfg,
		logger:  lg,
		repl:    repl,
		status:  types.Stage1Running,
		tasks:   make(map[string]*types.Task),
		workers: make(map[string]*types.Worker),
	}
	for i := 0; i < cfg.Workers; i++ {
		m.poolIDs = append(m.poolIDs, m.RegisterWorker(fmt.Sprintf("inproc-%d", i)))
	}
	return m, nil
}

// Config returns the validated job configuration.
func (m *Master) Config() types.Config { return m.cfg }

// SetFaultHook installs a per-attempt fault injector. Test use only.
func (m *Master) SetFaultHook(hook func(taskID string, attempt int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultHook = hook
}

// NewMapTask creates a pending map task for one shard.
func NewMapTask(stage int, shard types.Shard) *types.Task {
	return &types.Task{
		ID:      "map-" + uuid.New().String()[:8],
		Kind:    types.MapTask,
		Stage:   stage,
		Attempt: 1,
		Shard:   shard,
		Status:  types.TaskPending,
	}
}

// NewStageTwoMapTask creates a pending stage-2 map task whose input is the
// stage-1 reduce output of one partition, identified by Partition.
func NewStageTwoMapTask(partition int) *types.Task {
	return &types.Task{
		ID:        "map-" + uuid.New().String()[:8],
		Kind:      types.MapTask,
		Stage:     2,
		Attempt:   1,
		Partition: partition,
		Status:    types.TaskPending,
	}
}

// RegisterWorker registers a worker node with the master.
func (m *Master) RegisterWorker(address string) string {
	workerID := "worker-" + uuid.New().String()[:8]

	m.mu.Lock()
	m.workers[workerID] = &types.Worker{
		ID:            workerID,
		Address:       address,
		Status:        types.WorkerHealthy,
		LastHeartbeat: time.Now(),
	}
	m.mu.Unlock()

	m.replicateWorker(types.WorkerRegistration{WorkerID: workerID, Address: address})
	m.logger.Info("Worker registered: worker_id=%s address=%s", workerID, address)
	return workerID
}

// RetireWorker marks a departed worker dead. Its running attempts are not
// touched here; the heartbeat monitor reissues them.
func (m *Master) RetireWorker(workerID string) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if ok {
		w.Status = types.WorkerDead
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("Retire for unknown worker: worker_id=%s", workerID)
		return
	}

	m.replicateWorkerHealth(types.WorkerHeartbeat{WorkerID: workerID, Status: types.WorkerDead})
	m.logger.Info("Worker retired: worker_id=%s", workerID)
}

// SetJobStatus records a job-level stage transition.
func (m *Master) SetJobStatus(status types.JobStatus) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()

	m.replicateStage(types.StageTransition{Status: status})
	m.logger.Info("Job status: %s", status)
}

// JobStatus returns the current job-level status.
func (m *Master) JobStatus() types.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns a copy of the current job state for the status surface.
func (m *Master) Snapshot() *types.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &types.JobState{
		Status:  m.status,
		Tasks:   make(map[string]*types.Task, len(m.tasks)),
		Workers: make(map[string]*types.Worker, len(m.workers)),
	}
	for id, t := range m.tasks {
		cp := *t
		state.Tasks[id] = &cp
	}
	for id, w := range m.workers {
		cp := *w
		state.Workers[id] = &cp
	}
	return state
}

// Task returns a copy of one task's record, for tests and the status surface.
func (m *Master) Task(taskID string) (types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		return *t, true
	}
	return types.Task{}, false
}

// RunStage executes one stage end to end: map tasks through the worker
// pool, shuffle, and one reducer per partition. It returns the reduce
// results indexed by partition. Stage-2 reuses the same machinery with
// different map inputs. RunStage blocks until every reduce task completes
// or the stage fails fatally.
func (m *Master) RunStage(ctx context.Context, stage int, mapTasks []*types.Task, mapFn MapFunc) ([][]types.ReduceResult, error) {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mapIDs := make([]string, len(mapTasks))
	for i, t := range mapTasks {
		mapIDs[i] = t.ID
	}
	ex := shuffle.NewExchange(m.cfg.PartitionCount, mapIDs)

	reduceTasks := make([]*types.Task, m.cfg.PartitionCount)
	for p := 0; p < m.cfg.PartitionCount; p++ {
		reduceTasks[p] = &types.Task{
			ID:        "reduce-" + uuid.New().String()[:8],
			Kind:      types.ReduceTask,
			Stage:     stage,
			Attempt:   1,
			Partition: p,
			Status:    types.TaskPending,
		}
	}

	m.mu.Lock()
	for _, t := range mapTasks {
		m.tasks[t.ID] = t
	}
	for _, t := range reduceTasks {
		m.tasks[t.ID] = t
	}
	m.mu.Unlock()

	m.logger.Info("Stage %d starting: map_tasks=%d partitions=%d", stage, len(mapTasks), m.cfg.PartitionCount)

	// Retries re-enqueue the same record, so size the queue for the worst
	// case to keep fail() from ever blocking on a full channel.
	queue := make(chan *types.Task, len(mapTasks)*(m.cfg.MaxRetries+1)+1)
	for _, t := range mapTasks {
		queue <- t
	}

	st := &stageRun{
		master: m,
		stage:  stage,
		ctx:    stageCtx,
		cancel: cancel,
		ex:     ex,
		queue:  queue,
		mapFn:  mapFn,
	}

	var workerWG sync.WaitGroup
	for _, workerID := range m.poolIDs {
		workerWG.Add(1)
		go func(id string) {
			defer workerWG.Done()
			st.mapWorker(id)
		}(workerID)
	}

	monitorDone := make(chan struct{})
	go st.monitor(monitorDone)

	results := make([][]types.ReduceResult, m.cfg.PartitionCount)
	var reduceWG sync.WaitGroup
	var reduceErr error
	var reduceErrOnce sync.Once

	for _, rt := range reduceTasks {
		reduceWG.Add(1)
		go func(rt *types.Task) {
			defer reduceWG.Done()
			res, err := st.runReduceTask(rt)
			if err != nil {
				reduceErrOnce.Do(func() {
					reduceErr = err
					cancel()
				})
				return
			}
			results[rt.Partition] = res
		}(rt)
	}

	reduceWG.Wait()
	cancel()
	close(monitorDone)
	workerWG.Wait()

	m.mu.Lock()
	fatal := m.fatal
	m.mu.Unlock()

	if fatal != nil {
		return nil, fatal
	}
	if reduceErr != nil {
		return nil, reduceErr
	}
	if err := ctx.Err(); err != nil {
		return nil, types.ErrCancelled
	}

	m.logger.Info("Stage %d complete", stage)
	return results, nil
}

// stageRun bundles the per-stage execution state.
type stageRun struct {
	master *Master
	stage  int
	ctx    context.Context
	cancel context.CancelFunc
	ex     *shuffle.Exchange
	queue  chan *types.Task
	mapFn  MapFunc
}

// mapWorker pulls map tasks off the queue until the stage ends.
func (s *stageRun) mapWorker(workerID string) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.queue:
			s.runMapAttempt(workerID, task)
		}
	}
}

// runMapAttempt executes one attempt of a map task and reports the outcome.
func (s *stageRun) runMapAttempt(workerID string, task *types.Task) {
	m := s.master

	m.mu.Lock()
	if task.Status != types.TaskPending {
		m.mu.Unlock()
		return
	}
	attempt := task.Attempt
	task.Status = types.TaskRunning
	task.WorkerID = workerID
	task.Heartbeat = time.Now()
	hook := m.faultHook
	snap := *task
	m.mu.Unlock()

	m.replicateTask(snap)

	hb := func() {
		m.mu.Lock()
		if task.Attempt == attempt && task.Status == types.TaskRunning {
			task.Heartbeat = time.Now()
		}
		m.mu.Unlock()
	}

	var out MapOutput
	var err error
	if hook != nil {
		err = hook(task.ID, attempt)
	}
	if err == nil {
		out, err = s.mapFn(s.ctx, task, hb)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, types.ErrCancelled) {
			s.markCancelled(task, attempt)
			return
		}
		s.failTask(task, attempt, err)
		return
	}

	// Publish and completion are decided together under the table lock so
	// a timed-out attempt can never complete the task after its reissue.
	m.mu.Lock()
	if task.Attempt != attempt || task.Status != types.TaskRunning {
		m.mu.Unlock()
		m.logger.Warn("Dropping stale attempt: task=%s attempt=%d", task.ID, attempt)
		return
	}
	if !s.ex.Publish(task.ID, attempt, out) {
		// Leave the record running; the heartbeat monitor reissues it.
		m.mu.Unlock()
		m.logger.Warn("Shuffle rejected attempt: task=%s attempt=%d", task.ID, attempt)
		return
	}
	task.Status = types.TaskCompleted
	snap = *task
	m.mu.Unlock()

	m.replicateTask(snap)
	m.logger.Debug("Map task completed: task=%s attempt=%d", snap.ID, attempt)
}

// runReduceTask waits out the shuffle for its partition and reduces it,
// retrying crashed attempts. A shuffle that never completes is fatal for
// the job: the missing mappers have already exhausted their own retries.
func (s *stageRun) runReduceTask(task *types.Task) ([]types.ReduceResult, error) {
	m := s.master

	m.mu.Lock()
	attempt := task.Attempt
	task.Status = types.TaskRunning
	task.Heartbeat = time.Now()
	snap := *task
	m.mu.Unlock()

	m.replicateTask(snap)

	counts, err := s.ex.Await(s.ctx, task.Partition, m.cfg.ShuffleTimeout())
	if err != nil {
		if errors.Is(err, types.ErrCancelled) {
			s.markCancelled(task, attempt)
			return nil, types.ErrCancelled
		}
		// ShuffleIncomplete: the fault is upstream. The missing mappers
		// have already burned their own retries, so the stage is dead.
		missing := s.ex.Missing()
		ferr := fmt.Errorf("stage %d partition %d: %w (missing mappers: %v)",
			s.stage, task.Partition, err, missing)
		s.fatalError(task, attempt, ferr)
		return nil, ferr
	}

	results := reducer.Reduce(counts)

	m.mu.Lock()
	task.Status = types.TaskCompleted
	snap = *task
	m.mu.Unlock()

	m.replicateTask(snap)
	m.logger.Debug("Reduce task completed: task=%s partition=%d keys=%d", snap.ID, snap.Partition, len(results))
	return results, nil
}

// markCancelled records a cooperative cancellation. Cancelled attempts are
// never retried and never emit downstream.
func (s *stageRun) markCancelled(task *types.Task, attempt int) {
	m := s.master
	m.mu.Lock()
	changed := false
	if task.Attempt == attempt && task.Status == types.TaskRunning {
		task.Status = types.TaskCancelled
		changed = true
	}
	snap := *task
	m.mu.Unlock()
	if changed {
		m.replicateTask(snap)
	}
}

// failTask moves a running attempt to failed and reissues the task as a
// fresh pending attempt, or kills the job once retries are exhausted.
func (s *stageRun) failTask(task *types.Task, attempt int, cause error) {
	m := s.master

	m.mu.Lock()
	if task.Attempt != attempt || task.Status != types.TaskRunning {
		m.mu.Unlock()
		return
	}
	task.Status = types.TaskFailed
	task.Err = cause.Error()

	if attempt > m.cfg.MaxRetries {
		snap := *task
		m.mu.Unlock()
		m.replicateTask(snap)
		s.fatalError(task, attempt, &types.RetryExhaustedError{
			TaskID:  task.ID,
			Stage:   s.stage,
			Attempt: attempt,
			Cause:   cause,
		})
		return
	}

	failedSnap := *task
	task.Attempt = attempt + 1
	task.Status = types.TaskPending
	task.WorkerID = ""
	m.mu.Unlock()

	m.replicateTask(failedSnap)
	if task.Kind == types.MapTask {
		s.ex.Expect(task.ID, attempt+1)
		s.queue <- task
	}
	m.logger.Warn("Task failed, reissuing: task=%s attempt=%d cause=%v", task.ID, attempt+1, cause)
}

// fatalError records the first fatal error and cancels the stage.
func (s *stageRun) fatalError(task *types.Task, attempt int, err error) {
	m := s.master
	m.mu.Lock()
	if m.fatal == nil {
		m.fatal = err
		m.status = types.JobFailed
	}
	m.mu.Unlock()

	m.logger.Error("Fatal stage %d error: task=%s attempt=%d err=%v", s.stage, task.ID, attempt, err)
	s.cancel()
}

// monitor watches running map attempts and fails any whose heartbeat goes
// stale. Reduce tasks are bounded by the shuffle timeout instead; their
// only blocking point is the exchange.
func (s *stageRun) monitor(done chan struct{}) {
	m := s.master

	interval := m.cfg.TaskTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			var stale []*types.Task
			var attempts []int
			m.mu.Lock()
			now := time.Now()
			for _, t := range m.tasks {
				if t.Kind != types.MapTask || t.Stage != s.stage || t.Status != types.TaskRunning {
					continue
				}
				if now.Sub(t.Heartbeat) > m.cfg.TaskTimeout {
					stale = append(stale, t)
					attempts = append(attempts, t.Attempt)
				}
			}
			m.mu.Unlock()

			for i, t := range stale {
				m.logger.Warn("Task heartbeat stale: task=%s attempt=%d", t.ID, attempts[i])
				s.failTask(t, attempts[i], types.ErrTaskTimeout)
			}
		}
	}
}

// replicateTask publishes a task transition from a snapshot taken under
// the table lock.
func (m *Master) replicateTask(t types.Task) {
	if m.repl == nil {
		return
	}
	tr := types.TaskTransition{
		TaskID:   t.ID,
		Kind:     t.Kind,
		Stage:    t.Stage,
		Attempt:  t.Attempt,
		WorkerID: t.WorkerID,
		Status:   t.Status,
		Error:    t.Err,
	}
	if err := m.repl.ApplyTask(tr); err != nil {
		m.logger.Warn("Failed to replicate task transition: task=%s err=%v", t.ID, err)
	}
}

func (m *Master) replicateStage(st types.StageTransition) {
	if m.repl == nil {
		return
	}
	if err := m.repl.ApplyStage(st); err != nil {
		m.logger.Warn("Failed to replicate stage transition: status=%s err=%v", st.Status, err)
	}
}

func (m *Master) replicateWorker(w types.WorkerRegistration) {
	if m.repl == nil {
		return
	}
	if err := m.repl.ApplyWorker(w); err != nil {
		m.logger.Warn("Failed to replicate worker registration: worker=%s err=%v", w.WorkerID, err)
	}
}

func (m *Master) replicateWorkerHealth(hb types.WorkerHeartbeat) {
	if m.repl == nil {
		return
	}
	if err := m.repl.ApplyWorkerHealth(hb); err != nil {
		m.logger.Warn("Failed to replicate worker health: worker=%s err=%v", hb.WorkerID, err)
	}
}
