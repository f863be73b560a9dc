package coordinator

import (
	"context"
	"errors"
	"fmt"

	"DistMR/internal/scheduler"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// Service is the RPC surface of the master, registered as "Master".
type Service struct {
	mr *Master
}

func (s *Service) Register(args *types.RegisterArgs, reply *struct{}) error {
	return s.mr.Register(args, reply)
}

// rpcInvoker runs tasks with Worker.DoTask calls. An error returned by the
// worker's handler means the worker is alive, so it is reported as
// scheduler.ErrTaskFailed; anything else is a dispatch failure.
type rpcInvoker struct {
	network string
}

func (inv *rpcInvoker) DoTask(ctx context.Context, worker string, args types.DoTaskArgs) error {
	err := transport.Call(ctx, inv.network, worker, "Worker.DoTask", &args, new(struct{}))
	var re *transport.RemoteError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %v", scheduler.ErrTaskFailed, re)
	}
	return err
}

// startRPCServer starts the master's RPC server. With a tcp address on port
// 0, the chosen address replaces cfg.Address.
func (mr *Master) startRPCServer() error {
	server, err := transport.Listen(mr.cfg.Network, mr.cfg.Address, mr.logger)
	if err != nil {
		return err
	}
	if err := server.Register("Master", &Service{mr: mr}); err != nil {
		server.Close()
		return err
	}
	mr.Lock()
	mr.server = server
	mr.address = server.Addr()
	mr.Unlock()
	server.Serve()
	mr.logger.Info("RPC server listening: network=%s address=%s", mr.cfg.Network, mr.address)
	return nil
}

// stopRPCServer stops accepting registrations. Calls in flight complete.
func (mr *Master) stopRPCServer() {
	mr.Lock()
	server := mr.server
	mr.Unlock()
	if server == nil {
		return
	}
	if err := server.Close(); err != nil {
		mr.logger.Warn("Failed to stop RPC server: %v", err)
	}
	mr.logger.Debug("RPC server stopped")
}

// killWorkers sends each registered worker a Shutdown RPC and collects the
// number of tasks each one performed. Unreachable workers are skipped.
func (mr *Master) killWorkers() []int {
	mr.Lock()
	workers := append([]string(nil), mr.workers...)
	mr.Unlock()

	ntasks := make([]int, 0, len(workers))
	for _, w := range workers {
		mr.logger.Debug("Shutting down worker: address=%s", w)
		ctx, cancel := context.WithTimeout(context.Background(), mr.cfg.ShutdownTimeout)
		var reply types.ShutdownReply
		err := transport.Call(ctx, mr.cfg.Network, w, "Worker.Shutdown", new(struct{}), &reply)
		cancel()
		if err != nil {
			mr.logger.Warn("Worker shutdown failed: address=%s err=%v", w, err)
			continue
		}
		ntasks = append(ntasks, reply.Ntasks)
	}
	return ntasks
}
