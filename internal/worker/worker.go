// Package worker implements the worker process: an RPC server that runs the
// map and reduce tasks the master dispatches to it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/partition"
	"DistMR/internal/storage"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// ErrBusy is returned when a task arrives while another is still running.
var ErrBusy = errors.New("worker already running a task")

// Config for a worker process.
type Config struct {
	Name    string // defaults to worker-<uuid prefix>
	Network string // "tcp" or "unix"
	Address string // listen address; tcp port 0 picks a free port
	Master  string // master RPC address, used for registration

	// MaxRPCs makes the worker stop serving after that many RPCs. Zero
	// means unlimited.
	MaxRPCs int

	// Discovery, when set, announces the worker over gossip instead of
	// calling Master.Register.
	Discovery *discovery.Config

	RegisterTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Network:         "tcp",
		Address:         "127.0.0.1:0",
		RegisterTimeout: 5 * time.Second,
	}
}

// Worker holds the state of a worker process.
type Worker struct {
	sync.Mutex

	name    string
	cfg     Config
	store   storage.Store
	mapF    types.MapFunc
	reduceF types.ReduceFunc
	server  *transport.Server
	members *discovery.NodeDiscovery
	logger  *logger.Logger

	nTasks     int
	concurrent int

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a worker listening on cfg.Address. It does not serve or
// register until Start.
func New(cfg Config, store storage.Store, mapF types.MapFunc, reduceF types.ReduceFunc, lg *logger.Logger) (*Worker, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Address == "" && cfg.Network == "tcp" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Name == "" {
		cfg.Name = "worker-" + uuid.New().String()[:8]
	}
	if cfg.RegisterTimeout == 0 {
		cfg.RegisterTimeout = 5 * time.Second
	}
	if lg == nil {
		lg = logger.New("INFO")
	}
	lg = lg.Named(cfg.Name)

	server, err := transport.Listen(cfg.Network, cfg.Address, lg)
	if err != nil {
		return nil, err
	}

	wk := &Worker{
		name:     cfg.Name,
		cfg:      cfg,
		store:    store,
		mapF:     mapF,
		reduceF:  reduceF,
		server:   server,
		logger:   lg,
		shutdown: make(chan struct{}),
	}
	if err := server.Register("Worker", &Service{wk: wk}); err != nil {
		server.Close()
		return nil, err
	}
	if cfg.MaxRPCs > 0 {
		server.LimitConns(cfg.MaxRPCs)
	}
	return wk, nil
}

func (wk *Worker) Name() string {
	return wk.name
}

// Address is the RPC address the master dispatches tasks to.
func (wk *Worker) Address() string {
	return wk.server.Addr()
}

// Start serves RPCs and announces the worker to the master.
func (wk *Worker) Start(ctx context.Context) error {
	wk.server.Serve()

	if wk.cfg.Discovery != nil {
		dcfg := *wk.cfg.Discovery
		if dcfg.NodeID == "" {
			dcfg.NodeID = wk.name
		}
		dcfg.Meta = wk.Address()
		nd, err := discovery.NewNodeDiscovery(dcfg, wk.logger)
		if err != nil {
			wk.server.Close()
			return fmt.Errorf("failed to join gossip cluster: %w", err)
		}
		wk.members = nd
		wk.logger.Info("Announced over gossip: address=%s members=%d", wk.Address(), nd.NumMembers())
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, wk.cfg.RegisterTimeout)
	defer cancel()
	args := &types.RegisterArgs{Worker: wk.Address()}
	if err := transport.Call(rctx, wk.server.Network(), wk.cfg.Master, "Master.Register", args, new(struct{})); err != nil {
		wk.server.Close()
		return fmt.Errorf("failed to register with master %s: %w", wk.cfg.Master, err)
	}
	wk.logger.Info("Registered with master: master=%s address=%s", wk.cfg.Master, wk.Address())
	return nil
}

// Wait blocks until the worker is shut down, stops serving, or ctx ends.
func (wk *Worker) Wait(ctx context.Context) {
	select {
	case <-wk.shutdown:
	case <-wk.server.Done():
	case <-ctx.Done():
	}
}

// Close stops the worker.
func (wk *Worker) Close() error {
	wk.shutdownOnce.Do(func() { close(wk.shutdown) })
	if wk.members != nil {
		wk.members.Leave(time.Second)
		wk.members.Shutdown()
	}
	return wk.server.Close()
}

// TasksDone reports the number of tasks the worker has completed.
func (wk *Worker) TasksDone() int {
	wk.Lock()
	defer wk.Unlock()
	return wk.nTasks
}

func (wk *Worker) doTask(args *types.DoTaskArgs) error {
	wk.Lock()
	if wk.concurrent > 0 {
		wk.Unlock()
		wk.logger.Error("Task arrived while busy: phase=%s task=%d", args.Phase, args.TaskNumber)
		return ErrBusy
	}
	wk.concurrent++
	wk.Unlock()

	defer func() {
		wk.Lock()
		wk.concurrent--
		wk.Unlock()
	}()

	wk.logger.Info("Starting task: job=%s phase=%s task=%d file=%s other=%d",
		args.JobName, args.Phase, args.TaskNumber, args.File, args.NumOtherPhase)

	var err error
	switch args.Phase {
	case types.MapPhase:
		err = mapreduce.DoMap(wk.store, args.JobName, args.TaskNumber, args.File, args.NumOtherPhase, wk.mapF)
	case types.ReducePhase:
		out := partition.MergeName(args.JobName, args.TaskNumber)
		err = mapreduce.DoReduce(wk.store, args.JobName, args.TaskNumber, out, args.NumOtherPhase, wk.reduceF)
	default:
		err = fmt.Errorf("unknown phase %q", args.Phase)
	}
	if err != nil {
		wk.logger.Warn("Task failed: phase=%s task=%d err=%v", args.Phase, args.TaskNumber, err)
		return err
	}

	wk.Lock()
	wk.nTasks++
	wk.Unlock()
	wk.logger.Info("Task done: phase=%s task=%d", args.Phase, args.TaskNumber)
	return nil
}

// Run starts a worker and blocks until the master shuts it down or ctx
// ends.
func Run(ctx context.Context, cfg Config, store storage.Store, mapF types.MapFunc, reduceF types.ReduceFunc, lg *logger.Logger) error {
	wk, err := New(cfg, store, mapF, reduceF, lg)
	if err != nil {
		return err
	}
	defer wk.Close()

	if err := wk.Start(ctx); err != nil {
		return err
	}
	wk.Wait(ctx)
	wk.logger.Info("Worker exit: tasks=%d", wk.TasksDone())
	return nil
}
