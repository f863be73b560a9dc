package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/partition"
	"DistMR/internal/storage"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

func splitMap(file, contents string) []types.KeyValue {
	return []types.KeyValue{{Key: contents, Value: file}}
}

func countReduce(key string, values []string) string {
	return key
}

// fakeMaster records Master.Register calls.
type fakeMaster struct {
	mu      sync.Mutex
	workers []string
}

func (m *fakeMaster) Register(args *types.RegisterArgs, _ *struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, args.Worker)
	return nil
}

func startFakeMaster(t *testing.T) (*transport.Server, *fakeMaster) {
	t.Helper()
	srv, err := transport.Listen("tcp", "127.0.0.1:0", logger.Discard())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	fm := &fakeMaster{}
	if err := srv.Register("Master", fm); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	srv.Serve()
	return srv, fm
}

func newTestWorker(t *testing.T, master string, mapF types.MapFunc) (*Worker, storage.Store) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Master = master
	wk, err := New(cfg, store, mapF, countReduce, logger.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return wk, store
}

func TestWorkerRegistersAndRunsTasks(t *testing.T) {
	srv, fm := startFakeMaster(t)
	defer srv.Close()

	wk, store := newTestWorker(t, srv.Addr(), splitMap)
	defer wk.Close()
	if err := wk.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fm.mu.Lock()
	registered := append([]string(nil), fm.workers...)
	fm.mu.Unlock()
	if len(registered) != 1 || registered[0] != wk.Address() {
		t.Fatalf("master saw registrations %v, want [%s]", registered, wk.Address())
	}

	in := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(in, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ctx := context.Background()
	mapArgs := &types.DoTaskArgs{JobName: "job", File: in, Phase: types.MapPhase, TaskNumber: 0, NumOtherPhase: 1}
	if err := transport.Call(ctx, "tcp", wk.Address(), "Worker.DoTask", mapArgs, new(struct{})); err != nil {
		t.Fatalf("map DoTask failed: %v", err)
	}
	if _, err := store.Get(partition.ReduceName("job", 0, 0)); err != nil {
		t.Fatalf("map output missing: %v", err)
	}

	reduceArgs := &types.DoTaskArgs{JobName: "job", Phase: types.ReducePhase, TaskNumber: 0, NumOtherPhase: 1}
	if err := transport.Call(ctx, "tcp", wk.Address(), "Worker.DoTask", reduceArgs, new(struct{})); err != nil {
		t.Fatalf("reduce DoTask failed: %v", err)
	}
	data, err := store.Get(partition.MergeName("job", 0))
	if err != nil {
		t.Fatalf("reduce output missing: %v", err)
	}
	out, err := storage.DecodeOutput(data)
	if err != nil || out["hello"] != "hello" {
		t.Fatalf("unexpected reduce output %v (err %v)", out, err)
	}

	var reply types.ShutdownReply
	if err := transport.Call(ctx, "tcp", wk.Address(), "Worker.Shutdown", new(struct{}), &reply); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if reply.Ntasks != 2 {
		t.Fatalf("Ntasks = %d, want 2", reply.Ntasks)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	wk.Wait(waitCtx)
	if waitCtx.Err() != nil {
		t.Fatalf("Wait did not return after Shutdown")
	}
}

func TestWorkerTaskErrorIsRemote(t *testing.T) {
	srv, _ := startFakeMaster(t)
	defer srv.Close()

	wk, _ := newTestWorker(t, srv.Addr(), splitMap)
	defer wk.Close()
	if err := wk.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	args := &types.DoTaskArgs{JobName: "job", File: "/does/not/exist", Phase: types.MapPhase, NumOtherPhase: 1}
	err := transport.Call(context.Background(), "tcp", wk.Address(), "Worker.DoTask", args, new(struct{}))
	var re *transport.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if wk.TasksDone() != 0 {
		t.Fatalf("failed task should not count")
	}
}

func TestWorkerRejectsConcurrentTasks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blockingMap := func(file, contents string) []types.KeyValue {
		started <- struct{}{}
		<-release
		return nil
	}

	wk, _ := newTestWorker(t, "", blockingMap)
	defer wk.Close()

	in := filepath.Join(t.TempDir(), "in.txt")
	if err := os.WriteFile(in, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	args := &types.DoTaskArgs{JobName: "job", File: in, Phase: types.MapPhase, NumOtherPhase: 1}

	errc := make(chan error, 1)
	go func() { errc <- wk.doTask(args) }()
	<-started

	if err := wk.doTask(args); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first task failed: %v", err)
	}
	if wk.TasksDone() != 1 {
		t.Fatalf("TasksDone = %d, want 1", wk.TasksDone())
	}
}

func TestWorkerStartFailsWithoutMaster(t *testing.T) {
	srv, _ := startFakeMaster(t)
	addr := srv.Addr()
	srv.Close()

	wk, _ := newTestWorker(t, addr, splitMap)
	if err := wk.Start(context.Background()); err == nil {
		wk.Close()
		t.Fatalf("Start should fail when the master is unreachable")
	}
}

func TestWorkerMaxRPCs(t *testing.T) {
	srv, _ := startFakeMaster(t)
	defer srv.Close()

	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Master = srv.Addr()
	cfg.MaxRPCs = 1
	wk, err := New(cfg, store, splitMap, countReduce, logger.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer wk.Close()
	if err := wk.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var reply types.ShutdownReply
	ctx := context.Background()
	// Each call dials a new connection, so the first one spends the budget.
	reduceArgs := &types.DoTaskArgs{JobName: "none", Phase: types.ReducePhase, NumOtherPhase: 0}
	if err := transport.Call(ctx, "tcp", wk.Address(), "Worker.DoTask", reduceArgs, new(struct{})); err != nil {
		t.Fatalf("first call failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	wk.Wait(waitCtx)
	if waitCtx.Err() != nil {
		t.Fatalf("worker still serving after its RPC budget")
	}
	if err := transport.Call(ctx, "tcp", wk.Address(), "Worker.Shutdown", new(struct{}), &reply); !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
