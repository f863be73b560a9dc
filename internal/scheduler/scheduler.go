// Package scheduler dispatches the tasks of one job phase to the workers in
// a Registry and waits until every task has completed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

var (
	// ErrTaskFailed wraps errors reported by a reachable worker that ran the
	// task and failed it. Such a worker is returned to the registry; any
	// other invocation error drops the worker.
	ErrTaskFailed = errors.New("task failed on worker")

	// ErrRetriesExhausted is returned by Schedule when MaxAttempts is set and
	// a task failed that many times.
	ErrRetriesExhausted = errors.New("task retries exhausted")
)

// Invoker runs a task on a worker. A nil error acknowledges success.
type Invoker interface {
	DoTask(ctx context.Context, worker string, args types.DoTaskArgs) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, worker string, args types.DoTaskArgs) error

func (f InvokerFunc) DoTask(ctx context.Context, worker string, args types.DoTaskArgs) error {
	return f(ctx, worker, args)
}

// Journal observes dispatch outcomes. CompletedTasks lets a restarted
// master skip tasks recorded as complete by an earlier run.
type Journal interface {
	TaskDispatched(jobName string, phase types.JobPhase, index int, worker string)
	TaskCompleted(jobName string, phase types.JobPhase, index int, worker string)
	TaskFailed(jobName string, phase types.JobPhase, index int, worker string, err error)
	CompletedTasks(jobName string, phase types.JobPhase) []int
}

type NopJournal struct{}

func (NopJournal) TaskDispatched(string, types.JobPhase, int, string)    {}
func (NopJournal) TaskCompleted(string, types.JobPhase, int, string)     {}
func (NopJournal) TaskFailed(string, types.JobPhase, int, string, error) {}
func (NopJournal) CompletedTasks(string, types.JobPhase) []int           { return nil }

// Config tunes the scheduler.
type Config struct {
	// DispatchTimeout bounds a single DoTask call. Zero means no timeout.
	DispatchTimeout time.Duration

	// MaxAttempts bounds the dispatches of a single task. Zero retries
	// forever.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		DispatchTimeout: 10 * time.Second,
	}
}

// Scheduler matches pending tasks to idle workers.
type Scheduler struct {
	cfg      Config
	registry *Registry
	invoker  Invoker
	journal  Journal
	logger   *logger.Logger
}

func New(cfg Config, registry *Registry, invoker Invoker, journal Journal, lg *logger.Logger) *Scheduler {
	if journal == nil {
		journal = NopJournal{}
	}
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		invoker:  invoker,
		journal:  journal,
		logger:   lg.Named("scheduler"),
	}
}

// Schedule runs nTasks tasks of phase and returns once all of them have
// completed. inputs[i] is the input file of map task i and is ignored for
// reduce tasks; nOther is the task count of the other phase.
//
// Each task has at most one outstanding dispatch. A task that fails is
// dispatched again to the next idle worker. Schedule returns early only
// when ctx is done or, with MaxAttempts set, a task exhausts its attempts.
func (s *Scheduler) Schedule(ctx context.Context, jobName string, phase types.JobPhase, inputs []string, nTasks, nOther int) error {
	if nTasks < 0 {
		return fmt.Errorf("invalid task count %d", nTasks)
	}
	if phase == types.MapPhase && len(inputs) < nTasks {
		return fmt.Errorf("map phase needs %d inputs, got %d", nTasks, len(inputs))
	}

	s.logger.Info("Schedule: %d %s tasks (%d I/Os)", nTasks, phase, nOther)

	tr := newTracker(nTasks)
	for _, i := range s.journal.CompletedTasks(jobName, phase) {
		if i >= 0 && i < nTasks && tr.complete(i) {
			s.logger.Info("Task already complete in journal: phase=%s task=%d", phase, i)
		}
	}

	pending := make(chan int, nTasks)
	for i := 0; i < nTasks; i++ {
		if !tr.isComplete(i) {
			pending <- i
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failErr  error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failErr = err
			cancel()
		})
	}

	for {
		select {
		case <-tr.done:
			wg.Wait()
			s.logger.Info("Schedule: %s done", phase)
			return nil

		case <-ctx.Done():
			wg.Wait()
			if failErr != nil {
				return failErr
			}
			return ctx.Err()

		case i := <-pending:
			worker, err := s.registry.Pop(ctx)
			if err != nil {
				// ctx is done; the next iteration returns.
				continue
			}
			if !tr.begin(i) {
				s.registry.Push(worker)
				continue
			}

			args := types.DoTaskArgs{
				JobName:       jobName,
				Phase:         phase,
				TaskNumber:    i,
				NumOtherPhase: nOther,
			}
			if phase == types.MapPhase {
				args.File = inputs[i]
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				s.dispatch(ctx, tr, pending, fail, worker, args)
			}()
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, tr *tracker, pending chan<- int, fail func(error), worker string, args types.DoTaskArgs) {
	i := args.TaskNumber
	s.logger.Debug("Dispatch: phase=%s task=%d worker=%s attempt=%d", args.Phase, i, worker, tr.attemptsOf(i))
	s.journal.TaskDispatched(args.JobName, args.Phase, i, worker)

	dctx := ctx
	if s.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
	}

	err := s.invoker.DoTask(dctx, worker, args)
	if err == nil {
		if tr.complete(i) {
			s.journal.TaskCompleted(args.JobName, args.Phase, i, worker)
			s.logger.Debug("Task completed: phase=%s task=%d worker=%s", args.Phase, i, worker)
		} else {
			s.logger.Debug("Duplicate completion ignored: phase=%s task=%d worker=%s", args.Phase, i, worker)
		}
		s.registry.Push(worker)
		return
	}

	s.journal.TaskFailed(args.JobName, args.Phase, i, worker, err)
	if errors.Is(err, ErrTaskFailed) {
		s.logger.Warn("Task failed: phase=%s task=%d worker=%s err=%v", args.Phase, i, worker, err)
		s.registry.Push(worker)
	} else {
		s.logger.Warn("Dispatch failed, dropping worker: phase=%s task=%d worker=%s err=%v", args.Phase, i, worker, err)
	}

	if !tr.release(i) || ctx.Err() != nil {
		return
	}
	if n := tr.attemptsOf(i); s.cfg.MaxAttempts > 0 && n >= s.cfg.MaxAttempts {
		fail(fmt.Errorf("%w: %s task %d after %d attempts: %w", ErrRetriesExhausted, args.Phase, i, n, err))
		return
	}
	pending <- i
}
