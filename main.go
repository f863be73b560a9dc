package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"DistMR/internal/apps"
	"DistMR/internal/coordinator"
	"DistMR/internal/discovery"
	httpserver "DistMR/internal/http"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/partition"
	"DistMR/internal/raft"
	"DistMR/internal/storage"
	"DistMR/internal/worker"
)

func main() {
	mode := flag.String("mode", "sequential", "Mode: 'master', 'worker' or 'sequential'")
	app := flag.String("app", "wc", "Application: "+strings.Join(apps.Names(), ", "))
	pattern := flag.String("pattern", "", "Regex for the grep application")
	job := flag.String("job", "", "Job name (default: <app>seq or <app>dis)")
	nReduce := flag.Int("reduce", 3, "Number of reduce tasks")
	network := flag.String("net", "tcp", "RPC network: 'tcp' or 'unix'")
	addr := flag.String("addr", "127.0.0.1:7777", "RPC listen address (master) or worker address")
	masterAddr := flag.String("master", "127.0.0.1:7777", "Master RPC address (worker mode)")
	dir := flag.String("dir", ".", "Directory for intermediate and output files")
	storeKind := flag.String("store", "file", "Intermediate store: 'file' or 'bolt' (sequential only)")
	logLevel := flag.String("log", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	timeout := flag.Duration("dispatch-timeout", 10*time.Second, "Timeout of a single task dispatch")
	maxAttempts := flag.Int("max-attempts", 0, "Give up after this many attempts of one task (0 = never)")
	maxRPCs := flag.Int("max-rpcs", 0, "Worker stops serving after this many RPCs (0 = unlimited)")
	httpPort := flag.Int("http-port", 0, "Serve /status on this port (master, 0 = off)")
	raftID := flag.String("raft-id", "", "Raft node ID; enables the replicated job journal")
	raftPort := flag.Int("raft-port", 9001, "Raft bind port")
	raftDir := flag.String("raft-dir", "/tmp/distmr-raft", "Raft data directory")
	raftPeers := flag.String("raft-peers", "", "Comma-separated raft peers as nodeID@host:port")
	gossipPort := flag.Int("gossip-port", 0, "Memberlist bind port (0 = no gossip)")
	gossipJoin := flag.String("gossip-join", "", "Comma-separated memberlist addresses to join")
	cleanup := flag.Bool("cleanup", false, "Remove intermediate and output files after the job")
	flag.Parse()

	lg := logger.New(*logLevel)

	a, err := apps.Lookup(*app, *pattern)
	if err != nil {
		log.Fatalf("Invalid application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(*storeKind, *dir, *mode)
	defer closeStore()

	gossip := gossipConfig(*gossipPort, *gossipJoin)

	switch *mode {
	case "worker":
		cfg := worker.DefaultConfig()
		cfg.Network = *network
		cfg.Address = *addr
		cfg.Master = *masterAddr
		cfg.MaxRPCs = *maxRPCs
		cfg.Discovery = gossip
		if err := worker.Run(ctx, cfg, store, a.Map, a.Reduce, lg); err != nil {
			log.Fatalf("Worker failed: %v", err)
		}

	case "master", "sequential":
		files, err := apps.CollectFiles(flag.Args())
		if err != nil {
			log.Fatalf("Invalid input files: %v", err)
		}

		cfg := coordinator.DefaultConfig()
		cfg.Network = *network
		cfg.Address = *addr
		cfg.Store = store
		cfg.Logger = lg
		cfg.Scheduler.DispatchTimeout = *timeout
		cfg.Scheduler.MaxAttempts = *maxAttempts

		var mr *coordinator.Master
		if *mode == "sequential" {
			name := jobName(*job, a.Name, "seq")
			mr, err = coordinator.Sequential(cfg, name, files, *nReduce, a.Map, a.Reduce)
		} else {
			if *raftID != "" {
				cfg.Raft = &raft.Config{
					NodeID:   *raftID,
					BindAddr: "127.0.0.1",
					BindPort: *raftPort,
					DataDir:  *raftDir,
					Peers:    splitList(*raftPeers),
				}
			}
			cfg.Discovery = gossip
			mr, err = coordinator.Distributed(cfg, jobName(*job, a.Name, "dis"), files, *nReduce)
		}
		if err != nil {
			log.Fatalf("Failed to start master: %v", err)
		}

		if *httpPort > 0 {
			hs := httpserver.NewServer(httpserver.ServerOpts{ID: *addr, Port: *httpPort}, mr, lg)
			if err := hs.Start(); err != nil {
				log.Fatalf("HTTP server failed: %v", err)
			}
			defer hs.Shutdown(context.Background())
		}

		select {
		case <-mr.Done():
		case <-ctx.Done():
			lg.Warn("Interrupted, aborting job")
			mr.Close()
		}
		if err := mr.Err(); err != nil {
			log.Fatalf("Job failed: %v", err)
		}

		name := mr.Status().Job
		lg.Info("Result written: %s (%d keys, worker tasks %v)", partition.ResultName(name), len(mr.Result()), mr.Stats())
		if err := mapreduce.WriteResult(os.Stdout, mr.Result()); err != nil {
			log.Fatalf("Failed to print result: %v", err)
		}
		if *cleanup {
			if err := mr.CleanupFiles(); err != nil {
				log.Fatalf("Cleanup failed: %v", err)
			}
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

func openStore(kind, dir, mode string) (storage.Store, func()) {
	switch kind {
	case "file":
		s, err := storage.NewFileStore(dir)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		return s, func() {}
	case "bolt":
		// A bolt file is locked by one process, so only the in-process
		// mode can use it.
		if mode != "sequential" {
			log.Fatalf("The bolt store is only supported in sequential mode")
		}
		s, err := storage.NewBoltStore(filepath.Join(dir, "mr.db"))
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		return s, func() { s.Close() }
	default:
		log.Fatalf("Unknown store: %s", kind)
		return nil, nil
	}
}

func gossipConfig(port int, join string) *discovery.Config {
	if port == 0 {
		return nil
	}
	return &discovery.Config{
		BindAddr:  "127.0.0.1",
		BindPort:  port,
		JoinAddrs: splitList(join),
	}
}

func jobName(name, app, suffix string) string {
	if name != "" {
		return name
	}
	return app + suffix
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
