package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	raft "github.com/hashicorp/raft"

	"DistDegree/internal/logger"
	"DistDegree/internal/types"
)

// FSM implements the Finite State Machine for Raft. It maintains the
// replicated job state every master node agrees on: the task table, the
// worker set and the job-level stage.
type FSM struct {
	mu     sync.RWMutex
	state  *types.JobState
	logger *logger.Logger
}

// NewFSM creates a new FSM with initial state
func NewFSM() *FSM {
	return &FSM{
		state: &types.JobState{
			Status:  types.Stage1Running,
			Tasks:   make(map[string]*types.Task),
			Workers: make(map[string]*types.Worker),
			Version: 0,
		},
		logger: logger.New("INFO"),
	}
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.logger.Debug("Applying log entry: type=%s operation=%s", entry.Type, entry.Operation)

	switch entry.Type {
	case "task":
		return f.applyTaskTransition(&entry)
	case "job":
		return f.applyStageTransition(&entry)
	case "worker":
		return f.applyWorkerOperation(&entry)
	default:
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

// decodeData remarshals the untyped entry payload into a typed operation.
func decodeData(data interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// applyTaskTransition upserts one task's replicated record
func (f *FSM) applyTaskTransition(entry *types.LogEntry) interface{} {
	var tr types.TaskTransition
	if err := decodeData(entry.Data, &tr); err != nil {
		f.logger.Error("Invalid task transition data: %v", err)
		return fmt.Errorf("invalid task transition: %w", err)
	}

	task, exists := f.state.Tasks[tr.TaskID]
	if !exists {
		task = &types.Task{ID: tr.TaskID, Kind: tr.Kind, Stage: tr.Stage}
		f.state.Tasks[tr.TaskID] = task
	}
	task.Attempt = tr.Attempt
	task.Status = tr.Status
	task.WorkerID = tr.WorkerID
	task.Err = tr.Error
	task.Heartbeat = entry.Timestamp
	f.state.Version++

	f.logger.Debug("Task transition applied: task_id=%s status=%s attempt=%d", tr.TaskID, tr.Status, tr.Attempt)
	return "task_transition"
}

// applyStageTransition records a job-level stage change
func (f *FSM) applyStageTransition(entry *types.LogEntry) interface{} {
	var st types.StageTransition
	if err := decodeData(entry.Data, &st); err != nil {
		f.logger.Error("Invalid stage transition data: %v", err)
		return fmt.Errorf("invalid stage transition: %w", err)
	}

	f.state.Status = st.Status
	f.state.Version++
	f.logger.Info("Stage transition applied: status=%s", st.Status)
	return "stage_transition"
}

// applyWorkerOperation handles worker-related state changes
func (f *FSM) applyWorkerOperation(entry *types.LogEntry) interface{} {
	switch entry.Operation {
	case "register":
		var reg types.WorkerRegistration
		if err := decodeData(entry.Data, &reg); err != nil {
			f.logger.Error("Invalid worker registration data: %v", err)
			return fmt.Errorf("invalid registration: %w", err)
		}

		f.state.Workers[reg.WorkerID] = &types.Worker{
			ID:            reg.WorkerID,
			Address:       reg.Address,
			Status:        types.WorkerHealthy,
			LastHeartbeat: entry.Timestamp,
		}
		f.state.Version++
		f.logger.Info("Worker registered: worker_id=%s address=%s", reg.WorkerID, reg.Address)
		return "worker_registered"

	case "health":
		var hb types.WorkerHeartbeat
		if err := decodeData(entry.Data, &hb); err != nil {
			f.logger.Error("Invalid worker heartbeat data: %v", err)
			return fmt.Errorf("invalid heartbeat: %w", err)
		}

		worker, exists := f.state.Workers[hb.WorkerID]
		if !exists {
			f.logger.Warn("Worker not found for heartbeat: worker_id=%s", hb.WorkerID)
			return fmt.Errorf("worker not found: %s", hb.WorkerID)
		}
		worker.Status = hb.Status
		worker.LastHeartbeat = entry.Timestamp
		worker.TasksCompleted = hb.TasksCompleted
		worker.TasksRunning = hb.TasksRunning
		f.state.Version++
		return "worker_updated"

	default:
		f.logger.Warn("Unknown worker operation: %s", entry.Operation)
		return fmt.Errorf("unknown worker operation: %s", entry.Operation)
	}
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.copyState()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	f.mu.Lock()
	defer f.mu.Unlock()

	var state types.JobState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.state = &state
	return nil
}

// GetState returns a copy of the current job state
func (f *FSM) GetState() *types.JobState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.copyState()
}

// GetTask returns a task's replicated record by ID
func (f *FSM) GetTask(taskID string) *types.Task {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Tasks[taskID]
}

func (f *FSM) copyState() *types.JobState {
	stateCopy := &types.JobState{
		Status:  f.state.Status,
		Tasks:   make(map[string]*types.Task, len(f.state.Tasks)),
		Workers: make(map[string]*types.Worker, len(f.state.Workers)),
		Leader:  f.state.Leader,
		Version: f.state.Version,
	}
	for k, v := range f.state.Tasks {
		cp := *v
		stateCopy.Tasks[k] = &cp
	}
	for k, v := range f.state.Workers {
		cp := *v
		stateCopy.Workers[k] = &cp
	}
	return stateCopy
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *types.JobState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release is called when we are done with the snapshot
func (s *snapshot) Release() {}
