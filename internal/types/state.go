package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus is the journalled status of a single task attempt.
type TaskStatus string

const (
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// WorkerStatus represents the health of a registered worker.
type WorkerStatus string

const (
	WorkerHealthy WorkerStatus = "healthy"
	WorkerDead    WorkerStatus = "dead"
)

// TaskRecord is the journalled view of one task of one job phase.
type TaskRecord struct {
	JobName   string     `json:"job_name"`
	Phase     JobPhase   `json:"phase"`
	Index     int        `json:"index"`
	WorkerID  string     `json:"worker_id"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Worker is the journalled view of a registered worker.
type Worker struct {
	ID             string       `json:"id"`
	Address        string       `json:"address"`
	Status         WorkerStatus `json:"status"`
	LastSeen       time.Time    `json:"last_seen"`
	TasksCompleted int64        `json:"tasks_completed"`
}

// ClusterState is the state replicated across all master replicas.
type ClusterState struct {
	Tasks   map[string]*TaskRecord `json:"tasks"`
	Workers map[string]*Worker     `json:"workers"`
	Leader  string                 `json:"leader"`
	Version int64                  `json:"version"`
}

// TaskKey is the key a task is stored under in ClusterState.Tasks.
func TaskKey(jobName string, phase JobPhase, index int) string {
	return fmt.Sprintf("%s/%s/%d", jobName, phase, index)
}

// Log entry types and operations.
const (
	EntryTask   = "task"
	EntryWorker = "worker"

	OpAssign   = "assign"
	OpComplete = "complete"
	OpFail     = "fail"
	OpRegister = "register"
)

// LogEntry represents an entry in the Raft log. Data holds one of the
// operation payloads below, encoded as JSON.
type LogEntry struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskAssignment records a dispatch of a task to a worker.
type TaskAssignment struct {
	JobName  string   `json:"job_name"`
	Phase    JobPhase `json:"phase"`
	Index    int      `json:"index"`
	WorkerID string   `json:"worker_id"`
}

// TaskCompletion records the outcome of a dispatch.
type TaskCompletion struct {
	JobName  string     `json:"job_name"`
	Phase    JobPhase   `json:"phase"`
	Index    int        `json:"index"`
	WorkerID string     `json:"worker_id"`
	Status   TaskStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// WorkerRegistration records a worker joining the pool.
type WorkerRegistration struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`
}

// JobStatus is a point-in-time view of a running job, served by the status
// endpoint.
type JobStatus struct {
	Job         string   `json:"job"`
	Phase       JobPhase `json:"phase,omitempty"`
	Workers     []string `json:"workers"`
	Idle        []string `json:"idle"`
	MapTasks    int      `json:"map_tasks"`
	MapDone     int      `json:"map_done"`
	ReduceTasks int      `json:"reduce_tasks"`
	ReduceDone  int      `json:"reduce_done"`
	Done        bool     `json:"done"`
	Error       string   `json:"error,omitempty"`
	Leader      string   `json:"leader,omitempty"`
}
