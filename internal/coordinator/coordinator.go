// Package coordinator drives a MapReduce job: it runs the map phase, then
// the reduce phase, merges the reduce outputs and shuts the workers down.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/partition"
	"DistMR/internal/raft"
	"DistMR/internal/scheduler"
	"DistMR/internal/storage"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// Config for a master.
type Config struct {
	Network  string // "tcp" or "unix"
	Address  string // RPC listen address
	LogLevel string

	Scheduler scheduler.Config

	// Store holds intermediate partitions and reduce outputs. Workers must
	// see the same data. Defaults to a FileStore in the working directory.
	Store storage.Store

	// Raft, when set, journals task outcomes through a replicated log.
	Raft *raft.Config

	// Discovery, when set, also accepts workers that join the gossip
	// cluster. Meta is filled in with the master's RPC address.
	Discovery *discovery.Config

	// ShutdownTimeout bounds each Worker.Shutdown call.
	ShutdownTimeout time.Duration

	Logger *logger.Logger
}

func DefaultConfig() Config {
	return Config{
		Network:         "tcp",
		Address:         "127.0.0.1:7777",
		LogLevel:        "INFO",
		Scheduler:       scheduler.DefaultConfig(),
		ShutdownTimeout: 2 * time.Second,
	}
}

// Master holds all the state that the master needs to keep track of.
type Master struct {
	sync.Mutex

	cfg      Config
	address  string
	registry *scheduler.Registry
	workers  []string // every worker ever registered, in order
	known    map[string]bool
	gone     map[string]bool // left the gossip cluster since last seen
	store    storage.Store
	progress *progress

	server  *transport.Server
	cluster *raft.Cluster
	members *discovery.NodeDiscovery
	logger  *logger.Logger

	jobName string
	files   []string
	nReduce int
	phase   types.JobPhase

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	result map[string]string
	stats  []int
}

// NewMaster initializes a master without starting anything.
func NewMaster(cfg Config) (*Master, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New(cfg.LogLevel)
	}
	lg = lg.Named("master")

	store := cfg.Store
	if store == nil {
		fs, err := storage.NewFileStore(".")
		if err != nil {
			return nil, err
		}
		store = fs
	}

	ctx, cancel := context.WithCancel(context.Background())
	mr := &Master{
		cfg:      cfg,
		address:  cfg.Address,
		registry: scheduler.NewRegistry(),
		known:    make(map[string]bool),
		gone:     make(map[string]bool),
		store:    store,
		logger:   lg,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	mr.progress = newProgress(scheduler.NopJournal{})
	return mr, nil
}

// Register is an RPC method that is called by workers after they have
// started up to report that they are ready to receive tasks.
func (mr *Master) Register(args *types.RegisterArgs, _ *struct{}) error {
	if args.Worker == "" {
		return fmt.Errorf("empty worker address")
	}
	mr.addWorker(args.Worker, "rpc", true)
	return nil
}

// addWorker records a worker and makes it available for dispatch. A known
// worker is pushed again only if force is set or it left the gossip cluster
// in between: an explicit registration means the worker is idle, a repeated
// gossip event does not. An address already waiting in the registry is not
// queued twice.
func (mr *Master) addWorker(addr, via string, force bool) {
	mr.Lock()
	seen := mr.known[addr]
	if !seen {
		mr.known[addr] = true
		mr.workers = append(mr.workers, addr)
	}
	rejoined := mr.gone[addr]
	delete(mr.gone, addr)
	cluster := mr.cluster
	mr.Unlock()

	if seen && !force && !rejoined {
		return
	}
	if !mr.registry.PushUnique(addr) {
		mr.logger.Debug("Worker already idle: address=%s via=%s", addr, via)
		return
	}
	mr.logger.Info("Worker registered: address=%s via=%s", addr, via)
	if cluster != nil && !seen && cluster.IsLeader() {
		if err := cluster.RegisterWorker(addr, addr); err != nil {
			mr.logger.Warn("Failed to journal worker: address=%s err=%v", addr, err)
		}
	}
}

func (mr *Master) onGossipJoin(nodeID, meta string) {
	if meta == "" || meta == mr.address {
		return
	}
	mr.addWorker(meta, "gossip:"+nodeID, false)
}

// onGossipLeave marks the address so that a worker coming back on it is
// queued again.
func (mr *Master) onGossipLeave(nodeID, meta string) {
	if meta == "" || meta == mr.address {
		return
	}
	mr.Lock()
	if mr.known[meta] {
		mr.gone[meta] = true
	}
	mr.Unlock()
	mr.logger.Info("Worker left gossip cluster: node_id=%s address=%s", nodeID, meta)
}

// Distributed schedules map and reduce tasks on workers that register with
// the master over RPC or gossip. It returns once the master is listening;
// Wait blocks until the job is over.
func Distributed(cfg Config, jobName string, files []string, nReduce int) (*Master, error) {
	mr, err := NewMaster(cfg)
	if err != nil {
		return nil, err
	}
	if err := mr.startRPCServer(); err != nil {
		return nil, err
	}
	if err := mr.startJournal(); err != nil {
		mr.stopRPCServer()
		return nil, err
	}
	if err := mr.startDiscovery(); err != nil {
		mr.stopJournal()
		mr.stopRPCServer()
		return nil, err
	}

	mr.setJob(jobName, files, nReduce)
	sched := scheduler.New(cfg.Scheduler, mr.registry, &rpcInvoker{network: mr.cfg.Network}, mr.progress, mr.logger)
	go mr.run(jobName, files, nReduce, func(ctx context.Context, phase types.JobPhase) error {
		n, other := len(files), nReduce
		if phase == types.ReducePhase {
			n, other = nReduce, len(files)
		}
		return sched.Schedule(ctx, jobName, phase, files, n, other)
	}, func() {
		stats := mr.killWorkers()
		mr.Lock()
		mr.stats = stats
		mr.Unlock()
		mr.stopDiscovery()
		mr.stopRPCServer()
	})
	return mr, nil
}

// Sequential runs map and reduce tasks in-process, one at a time.
func Sequential(cfg Config, jobName string, files []string, nReduce int, mapF types.MapFunc, reduceF types.ReduceFunc) (*Master, error) {
	if cfg.Address == "" {
		cfg.Address = "master"
	}
	mr, err := NewMaster(cfg)
	if err != nil {
		return nil, err
	}
	mr.setJob(jobName, files, nReduce)
	go mr.run(jobName, files, nReduce, func(ctx context.Context, phase types.JobPhase) error {
		switch phase {
		case types.MapPhase:
			for i, f := range files {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := mapreduce.DoMap(mr.store, jobName, i, f, nReduce, mapF); err != nil {
					return fmt.Errorf("map task %d: %w", i, err)
				}
				mr.progress.TaskCompleted(jobName, phase, i, mr.address)
			}
		case types.ReducePhase:
			for i := 0; i < nReduce; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := mapreduce.DoReduce(mr.store, jobName, i, partition.MergeName(jobName, i), len(files), reduceF); err != nil {
					return fmt.Errorf("reduce task %d: %w", i, err)
				}
				mr.progress.TaskCompleted(jobName, phase, i, mr.address)
			}
		}
		return nil
	}, func() {
		mr.Lock()
		mr.stats = []int{len(files) + nReduce}
		mr.Unlock()
	})
	return mr, nil
}

func (mr *Master) setJob(jobName string, files []string, nReduce int) {
	mr.Lock()
	defer mr.Unlock()
	mr.jobName = jobName
	mr.files = files
	mr.nReduce = nReduce
}

// run executes a job: all map tasks, then all reduce tasks, then merge. The
// reduce phase starts only after every map task has completed.
func (mr *Master) run(jobName string, files []string, nReduce int,
	schedule func(ctx context.Context, phase types.JobPhase) error,
	finish func(),
) {
	defer close(mr.done)

	mr.logger.Info("Starting Map/Reduce job: job=%s address=%s files=%d reduce=%d", jobName, mr.address, len(files), nReduce)
	start := time.Now()

	err := mr.runPhase(types.MapPhase, schedule)
	if err == nil {
		err = mr.runPhase(types.ReducePhase, schedule)
	}
	finish()

	var result map[string]string
	if err == nil {
		result, err = mapreduce.MergeAndStore(mr.store, jobName, nReduce)
	}
	mr.stopJournal()

	mr.Lock()
	mr.err = err
	mr.result = result
	mr.phase = ""
	mr.Unlock()

	if err != nil {
		mr.logger.Error("Map/Reduce job failed: job=%s err=%v", jobName, err)
		return
	}
	mr.logger.Info("Map/Reduce job completed: job=%s keys=%d elapsed=%v", jobName, len(result), time.Since(start))
}

func (mr *Master) runPhase(phase types.JobPhase, schedule func(ctx context.Context, phase types.JobPhase) error) error {
	mr.Lock()
	mr.phase = phase
	mr.Unlock()
	if err := schedule(mr.ctx, phase); err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	return nil
}

// Wait blocks until the job has completed: every task ran, the output was
// merged and all workers have been shut down.
func (mr *Master) Wait() {
	<-mr.done
}

// Done is closed when the job is over.
func (mr *Master) Done() <-chan struct{} {
	return mr.done
}

// Err returns the job's error once Wait has returned.
func (mr *Master) Err() error {
	mr.Lock()
	defer mr.Unlock()
	return mr.err
}

// Result returns the merged job output once Wait has returned.
func (mr *Master) Result() map[string]string {
	mr.Lock()
	defer mr.Unlock()
	return mr.result
}

// Stats returns the number of tasks each worker performed, collected when
// the workers were shut down.
func (mr *Master) Stats() []int {
	mr.Lock()
	defer mr.Unlock()
	return append([]int(nil), mr.stats...)
}

// Address is the master's RPC address.
func (mr *Master) Address() string {
	return mr.address
}

// Status returns a snapshot of the job's progress.
func (mr *Master) Status() types.JobStatus {
	mr.Lock()
	st := types.JobStatus{
		Job:         mr.jobName,
		Phase:       mr.phase,
		Workers:     append([]string(nil), mr.workers...),
		MapTasks:    len(mr.files),
		ReduceTasks: mr.nReduce,
	}
	if mr.err != nil {
		st.Error = mr.err.Error()
	}
	cluster := mr.cluster
	prog := mr.progress
	mr.Unlock()

	st.Idle = mr.registry.Idle()
	st.MapDone = prog.count(st.Job, types.MapPhase)
	st.ReduceDone = prog.count(st.Job, types.ReducePhase)
	if cluster != nil {
		st.Leader = cluster.GetLeader()
	}
	select {
	case <-mr.done:
		st.Done = true
	default:
	}
	return st
}

// CleanupFiles removes the job's intermediate files, reduce outputs and
// merged result.
func (mr *Master) CleanupFiles() error {
	mr.Lock()
	jobName, nMap, nReduce := mr.jobName, len(mr.files), mr.nReduce
	mr.Unlock()
	return mapreduce.CleanupFiles(mr.store, jobName, nMap, nReduce)
}

// Close aborts a running job and waits for it to wind down.
func (mr *Master) Close() {
	mr.cancel()
	<-mr.done
}

func (mr *Master) startJournal() error {
	if mr.cfg.Raft == nil {
		return nil
	}
	cluster, err := raft.NewCluster(*mr.cfg.Raft, mr.logger)
	if err != nil {
		return fmt.Errorf("failed to create raft cluster: %w", err)
	}
	if err := cluster.WaitForLeader(10 * time.Second); err != nil {
		cluster.Close()
		return err
	}
	mr.Lock()
	mr.cluster = cluster
	mr.progress = newProgress(cluster)
	mr.Unlock()
	mr.logger.Info("Journal ready: node_id=%s leader=%s", mr.cfg.Raft.NodeID, cluster.GetLeader())
	return nil
}

func (mr *Master) stopJournal() {
	mr.Lock()
	cluster := mr.cluster
	mr.Unlock()
	if cluster == nil {
		return
	}
	if err := cluster.Close(); err != nil {
		mr.logger.Warn("Failed to close journal: %v", err)
	}
}

func (mr *Master) startDiscovery() error {
	if mr.cfg.Discovery == nil {
		return nil
	}
	dcfg := *mr.cfg.Discovery
	if dcfg.NodeID == "" {
		dcfg.NodeID = "master"
	}
	dcfg.Meta = mr.address
	dcfg.OnJoin = mr.onGossipJoin
	dcfg.OnLeave = mr.onGossipLeave
	nd, err := discovery.NewNodeDiscovery(dcfg, mr.logger)
	if err != nil {
		return err
	}
	mr.Lock()
	mr.members = nd
	mr.Unlock()
	return nil
}

func (mr *Master) stopDiscovery() {
	mr.Lock()
	nd := mr.members
	mr.Unlock()
	if nd == nil {
		return
	}
	nd.Leave(time.Second)
	nd.Shutdown()
}

// Members returns the gossip cluster members when discovery is enabled.
func (mr *Master) Members() map[string]string {
	mr.Lock()
	nd := mr.members
	mr.Unlock()
	if nd == nil {
		return nil
	}
	return nd.GetMembers()
}
