package worker

import (
	"DistMR/internal/types"
)

// Service is the RPC surface of a worker, registered as "Worker".
type Service struct {
	wk *Worker
}

// DoTask is called by the master when a new task is scheduled on this
// worker.
func (s *Service) DoTask(args *types.DoTaskArgs, _ *struct{}) error {
	return s.wk.doTask(args)
}

// Shutdown is called by the master when all work has been completed. It
// replies with the number of tasks this worker processed.
func (s *Service) Shutdown(_ *struct{}, reply *types.ShutdownReply) error {
	s.wk.logger.Info("Shutdown requested")
	reply.Ntasks = s.wk.TasksDone()
	s.wk.shutdownOnce.Do(func() { close(s.wk.shutdown) })
	return nil
}
