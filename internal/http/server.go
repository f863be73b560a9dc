// Package http serves a read-only JSON view of the master's progress.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

type ServerOpts struct {
	ID   string
	Port int
}

// StatusSource reports the state of a job.
type StatusSource interface {
	Status() types.JobStatus
}

type statusResponse struct {
	ID string `json:"id"`
	types.JobStatus
}

type Server struct {
	opts   ServerOpts
	source StatusSource
	logger *logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

func NewServer(opts ServerOpts, source StatusSource, lg *logger.Logger) *Server {
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &Server{
		opts:   opts,
		source: source,
		logger: lg.Named("http"),
	}
}

// Handler routes /status and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{ID: s.opts.ID, JobStatus: s.source.Status()}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to encode status: %v", err)
	}
}

// Start listens on opts.Port and serves in the background. Port 0 picks a
// free port; Addr reports it.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for status http: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("Status server listening: id=%s addr=%s", s.opts.ID, l.Addr())
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed: %v", err)
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
