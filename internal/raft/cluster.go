// Package raft replicates the master's job journal across master replicas
// with hashicorp/raft, so a restarted or newly elected master can skip tasks
// that already completed.
package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

// ErrNotLeader is returned when a write is attempted on a follower.
var ErrNotLeader = errors.New("not the raft leader")

// Cluster manages a Raft node holding the job journal.
type Cluster struct {
	nodeID        string
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	applyTimeout  time.Duration
	logger        *logger.Logger
}

// Config for creating a new cluster node.
type Config struct {
	NodeID   string   // unique node identifier
	BindAddr string   // address to bind the Raft transport
	BindPort int      // port for the Raft transport
	DataDir  string   // directory for the log store and snapshots
	Peers    []string // other voters as nodeID@address:port

	ApplyTimeout time.Duration
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.BindPort)
}

func parsePeer(p string) (raft.Server, error) {
	id, addr, ok := strings.Cut(p, "@")
	if !ok || id == "" || addr == "" {
		return raft.Server{}, fmt.Errorf("invalid peer %q, want nodeID@address:port", p)
	}
	return raft.Server{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(id),
		Address:  raft.ServerAddress(addr),
	}, nil
}

// NewCluster creates a Raft node. A node without peers bootstraps a single
// voter cluster; with peers, every node bootstraps the same configuration
// and the voters elect a leader among themselves.
func NewCluster(cfg Config, lg *logger.Logger) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named("raft")
	lg.Info("Initializing Raft cluster node: node_id=%s bind_addr=%s", cfg.NodeID, cfg.addr())

	servers := []raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(cfg.NodeID),
		Address:  raft.ServerAddress(cfg.addr()),
	}}
	for _, p := range cfg.Peers {
		s, err := parsePeer(p)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		lg.Error("Failed to create data directory: %v", err)
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var raftLog io.Writer = io.Discard
	if lg.Level() <= logger.DEBUG {
		raftLog = lg.Writer()
	}

	c := &Cluster{
		nodeID:       cfg.NodeID,
		fsm:          NewFSM(lg),
		applyTimeout: cfg.ApplyTimeout,
		logger:       lg,
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
	if err != nil {
		lg.Error("Failed to create log store: %v", err)
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	c.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		lg.Error("Failed to create stable store: %v", err)
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	c.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, raftLog)
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	c.snapshotStore = snapshotStore

	addr, err := net.ResolveTCPAddr("tcp", cfg.addr())
	if err != nil {
		c.closeStores()
		lg.Error("Failed to resolve address: %v", err)
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	transport, err := raft.NewTCPTransport(addr.String(), addr, 3, 10*time.Second, raftLog)
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 20
	raftCfg.LogOutput = raftLog

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, transport)
	if err != nil {
		transport.Close()
		c.closeStores()
		lg.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r
	lg.Info("Raft node initialized: node_id=%s", cfg.NodeID)

	hasState, err := raft.HasExistingState(c.logStore, c.stableStore, c.snapshotStore)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}
	if !hasState {
		f := c.raft.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := f.Error(); err != nil {
			c.Close()
			lg.Error("Failed to bootstrap cluster: %v", err)
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		lg.Info("Cluster bootstrapped: voters=%d", len(servers))
	} else {
		lg.Info("Recovered existing raft state: dir=%s", cfg.DataDir)
	}

	return c, nil
}

// IsLeader returns true if this node is the current leader.
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the current leader's ID, or "" if there is none.
func (c *Cluster) GetLeader() string {
	_, id := c.raft.LeaderWithID()
	return string(id)
}

// WaitForLeader blocks until the cluster has elected a leader.
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.GetLeader() != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("no leader elected within %v", timeout)
}

// ApplyLog replicates a log entry and applies it to the state machine.
// Only the leader may apply.
func (c *Cluster) ApplyLog(typ, op string, payload interface{}) error {
	if !c.IsLeader() {
		return fmt.Errorf("%w, current leader: %q", ErrNotLeader, c.GetLeader())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	entry, err := json.Marshal(&types.LogEntry{
		Type:      typ,
		Operation: op,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(entry, c.applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// RegisterWorker records a worker joining the pool.
func (c *Cluster) RegisterWorker(workerID, address string) error {
	return c.ApplyLog(types.EntryWorker, types.OpRegister, types.WorkerRegistration{
		WorkerID: workerID,
		Address:  address,
	})
}

// AssignTask records a dispatch of a task to a worker.
func (c *Cluster) AssignTask(jobName string, phase types.JobPhase, index int, workerID string) error {
	return c.ApplyLog(types.EntryTask, types.OpAssign, types.TaskAssignment{
		JobName:  jobName,
		Phase:    phase,
		Index:    index,
		WorkerID: workerID,
	})
}

// CompleteTask records a successful task.
func (c *Cluster) CompleteTask(jobName string, phase types.JobPhase, index int, workerID string) error {
	return c.ApplyLog(types.EntryTask, types.OpComplete, types.TaskCompletion{
		JobName:  jobName,
		Phase:    phase,
		Index:    index,
		WorkerID: workerID,
		Status:   types.TaskCompleted,
	})
}

// FailTask records a failed dispatch of a task.
func (c *Cluster) FailTask(jobName string, phase types.JobPhase, index int, workerID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return c.ApplyLog(types.EntryTask, types.OpFail, types.TaskCompletion{
		JobName:  jobName,
		Phase:    phase,
		Index:    index,
		WorkerID: workerID,
		Status:   types.TaskFailed,
		Error:    msg,
	})
}

// The methods below let a Cluster serve as the scheduler's journal. A
// journal write that fails is logged and does not stop the job.

func (c *Cluster) TaskDispatched(jobName string, phase types.JobPhase, index int, worker string) {
	if err := c.AssignTask(jobName, phase, index, worker); err != nil {
		c.logger.Warn("Failed to journal dispatch: phase=%s task=%d worker=%s err=%v", phase, index, worker, err)
	}
}

func (c *Cluster) TaskCompleted(jobName string, phase types.JobPhase, index int, worker string) {
	if err := c.CompleteTask(jobName, phase, index, worker); err != nil {
		c.logger.Warn("Failed to journal completion: phase=%s task=%d worker=%s err=%v", phase, index, worker, err)
	}
}

func (c *Cluster) TaskFailed(jobName string, phase types.JobPhase, index int, worker string, cause error) {
	if err := c.FailTask(jobName, phase, index, worker, cause); err != nil {
		c.logger.Warn("Failed to journal failure: phase=%s task=%d worker=%s err=%v", phase, index, worker, err)
	}
}

func (c *Cluster) CompletedTasks(jobName string, phase types.JobPhase) []int {
	return c.fsm.CompletedTasks(jobName, phase)
}

// GetClusterState returns a copy of the replicated state.
func (c *Cluster) GetClusterState() *types.ClusterState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// GetPeers returns every server in the current configuration.
func (c *Cluster) GetPeers() map[string]raft.Server {
	peers := make(map[string]raft.Server)
	f := c.raft.GetConfiguration()
	if f.Error() == nil {
		for _, server := range f.Configuration().Servers {
			peers[string(server.ID)] = server
		}
	}
	return peers
}

// Snapshot forces a snapshot of the journal.
func (c *Cluster) Snapshot() error {
	return c.raft.Snapshot().Error()
}

// GetFSM returns the underlying FSM.
func (c *Cluster) GetFSM() *FSM {
	return c.fsm
}

// Close shuts the node down and releases its stores.
func (c *Cluster) Close() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return err
	}
	if err := c.transport.Close(); err != nil {
		return err
	}
	return c.closeStores()
}

func (c *Cluster) closeStores() error {
	var firstErr error
	if c.logStore != nil {
		if err := c.logStore.Close(); err != nil {
			firstErr = err
		}
	}
	if c.stableStore != nil {
		if err := c.stableStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns the Raft statistics.
func (c *Cluster) Stats() map[string]string {
	return c.raft.Stats()
}
