package types

import "time"

// TaskStatus represents the status of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskKind distinguishes map tasks (shard aggregation) from reduce tasks
// (partition merge).
type TaskKind string

const (
	MapTask    TaskKind = "map"
	ReduceTask TaskKind = "reduce"
)

// JobStatus represents the lifecycle of a whole two-stage job
type JobStatus string

const (
	Stage1Running JobStatus = "stage1-running"
	Stage1Barrier JobStatus = "stage1-barrier"
	Stage2Running JobStatus = "stage2-running"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Task is one unit of work tracked by the coordinator. A failed task is
// reissued as a fresh pending task with an incremented attempt, never
// resumed in place.
type Task struct {
	ID        string
	Kind      TaskKind
	Stage     int // 1 = per-node totals, 2 = degree distribution
	Attempt   int
	Shard     Shard // map tasks only
	Partition int   // reduce tasks only
	Status    TaskStatus
	WorkerID  string
	Heartbeat time.Time
	Err       string
}

// WorkerStatus represents the health status of a worker node
type WorkerStatus string

const (
	WorkerHealthy   WorkerStatus = "healthy"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerDead      WorkerStatus = "dead"
)

// Worker represents a worker node known to the master
type Worker struct {
	ID             string
	Address        string
	Status         WorkerStatus
	LastHeartbeat  time.Time
	TasksCompleted int64
	TasksRunning   int64
}

// JobState is the shared state replicated across master nodes
type JobState struct {
	Status  JobStatus          `json:"status"`
	Tasks   map[string]*Task   `json:"tasks"`
	Workers map[string]*Worker `json:"workers"`
	Leader  string             `json:"leader"`
	Version int64              `json:"version"`
}

// LogEntry represents an entry in the Raft log
type LogEntry struct {
	Type      string      `json:"type"`      // "task", "worker", "job"
	Operation string      `json:"operation"` // "assign", "complete", "fail", "register", "health", "stage"
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// TaskTransition is a task-level log entry operation
type TaskTransition struct {
	TaskID   string     `json:"task_id"`
	Kind     TaskKind   `json:"kind"`
	Stage    int        `json:"stage"`
	Attempt  int        `json:"attempt"`
	WorkerID string     `json:"worker_id,omitempty"`
	Status   TaskStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// StageTransition is a job-level log entry operation
type StageTransition struct {
	Status JobStatus `json:"status"`
}

// WorkerRegistration is a log entry operation
type WorkerRegistration struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`
}

// WorkerHeartbeat is a log entry operation
type WorkerHeartbeat struct {
	WorkerID       string       `json:"worker_id"`
	Status         WorkerStatus `json:"status"`
	TasksCompleted int64        `json:"tasks_completed"`
	TasksRunning   int64        `json:"tasks_running"`
}
