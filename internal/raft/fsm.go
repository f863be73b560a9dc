package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	raft "github.com/hashicorp/raft"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// FSM applies committed journal entries to the replicated job state.
type FSM struct {
	mu     sync.RWMutex
	state  *types.ClusterState
	logger *logger.Logger
}

func newState() *types.ClusterState {
	return &types.ClusterState{
		Tasks:   make(map[string]*types.TaskRecord),
		Workers: make(map[string]*types.Worker),
	}
}

// NewFSM creates an FSM with empty state.
func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &FSM{
		state:  newState(),
		logger: lg.Named("fsm"),
	}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry types.LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.logger.Debug("Applying log entry: type=%s operation=%s index=%d", entry.Type, entry.Operation, log.Index)

	switch entry.Type {
	case types.EntryTask:
		return f.applyTaskOperation(&entry)
	case types.EntryWorker:
		return f.applyWorkerOperation(&entry)
	default:
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) applyTaskOperation(entry *types.LogEntry) interface{} {
	switch entry.Operation {
	case types.OpAssign:
		var a types.TaskAssignment
		if err := json.Unmarshal(entry.Data, &a); err != nil {
			return fmt.Errorf("invalid assignment data: %w", err)
		}
		key := types.TaskKey(a.JobName, a.Phase, a.Index)
		rec, ok := f.state.Tasks[key]
		if !ok {
			rec = &types.TaskRecord{JobName: a.JobName, Phase: a.Phase, Index: a.Index}
			f.state.Tasks[key] = rec
		}
		if rec.Status == types.TaskCompleted {
			// A late redispatch never reopens a completed task.
			return nil
		}
		rec.WorkerID = a.WorkerID
		rec.Status = types.TaskAssigned
		rec.Attempts++
		rec.Error = ""
		rec.Timestamp = entry.Timestamp
		f.state.Version++
		f.logger.Debug("Task assigned: task=%s worker_id=%s attempt=%d", key, a.WorkerID, rec.Attempts)
		return nil

	case types.OpComplete, types.OpFail:
		var c types.TaskCompletion
		if err := json.Unmarshal(entry.Data, &c); err != nil {
			return fmt.Errorf("invalid completion data: %w", err)
		}
		key := types.TaskKey(c.JobName, c.Phase, c.Index)
		rec, ok := f.state.Tasks[key]
		if !ok {
			f.logger.Warn("Task not found for completion: task=%s", key)
			return fmt.Errorf("task not found: %s", key)
		}
		if rec.Status == types.TaskCompleted {
			return nil
		}
		rec.Status = c.Status
		rec.WorkerID = c.WorkerID
		rec.Error = c.Error
		rec.Timestamp = entry.Timestamp
		if c.Status == types.TaskCompleted {
			if w, ok := f.state.Workers[c.WorkerID]; ok {
				w.TasksCompleted++
				w.LastSeen = entry.Timestamp
			}
		}
		f.state.Version++
		f.logger.Debug("Task %s: task=%s worker_id=%s", c.Status, key, c.WorkerID)
		return nil

	default:
		f.logger.Warn("Unknown task operation: %s", entry.Operation)
		return fmt.Errorf("unknown task operation: %s", entry.Operation)
	}
}

func (f *FSM) applyWorkerOperation(entry *types.LogEntry) interface{} {
	switch entry.Operation {
	case types.OpRegister:
		var reg types.WorkerRegistration
		if err := json.Unmarshal(entry.Data, &reg); err != nil {
			return fmt.Errorf("invalid registration data: %w", err)
		}
		w, ok := f.state.Workers[reg.WorkerID]
		if !ok {
			w = &types.Worker{ID: reg.WorkerID}
			f.state.Workers[reg.WorkerID] = w
		}
		w.Address = reg.Address
		w.Status = types.WorkerHealthy
		w.LastSeen = entry.Timestamp
		f.state.Version++
		f.logger.Info("Worker registered: worker_id=%s address=%s", reg.WorkerID, reg.Address)
		return nil

	default:
		f.logger.Warn("Unknown worker operation: %s", entry.Operation)
		return fmt.Errorf("unknown worker operation: %s", entry.Operation)
	}
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &snapshot{state: f.GetState()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := newState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]*types.TaskRecord)
	}
	if state.Workers == nil {
		state.Workers = make(map[string]*types.Worker)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.logger.Info("Restored snapshot: tasks=%d workers=%d version=%d", len(state.Tasks), len(state.Workers), state.Version)
	return nil
}

// GetState returns a deep copy of the current state.
func (f *FSM) GetState() *types.ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := &types.ClusterState{
		Tasks:   make(map[string]*types.TaskRecord, len(f.state.Tasks)),
		Workers: make(map[string]*types.Worker, len(f.state.Workers)),
		Leader:  f.state.Leader,
		Version: f.state.Version,
	}
	for k, v := range f.state.Tasks {
		rec := *v
		cp.Tasks[k] = &rec
	}
	for k, v := range f.state.Workers {
		w := *v
		cp.Workers[k] = &w
	}
	return cp
}

// GetTask returns a copy of the record of one task, or nil.
func (f *FSM) GetTask(jobName string, phase types.JobPhase, index int) *types.TaskRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.state.Tasks[types.TaskKey(jobName, phase, index)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// CompletedTasks returns the sorted indices of the completed tasks of one
// job phase.
func (f *FSM) CompletedTasks(jobName string, phase types.JobPhase) []int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var done []int
	for _, rec := range f.state.Tasks {
		if rec.JobName == jobName && rec.Phase == phase && rec.Status == types.TaskCompleted {
			done = append(done, rec.Index)
		}
	}
	sort.Ints(done)
	return done
}

type snapshot struct {
	state *types.ClusterState
}

// Persist writes the snapshot to a sink.
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
