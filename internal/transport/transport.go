// Package transport carries master/worker RPCs over net/rpc. Every call
// dials a fresh connection, so a crashed peer shows up as a dial error on
// the next call rather than a stale pooled connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"

	"DistMR/internal/logger"
)

var (
	// ErrUnreachable means the peer could not be contacted or the
	// connection broke before a reply arrived.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrTimeout means the call did not complete before its context ended.
	ErrTimeout = errors.New("call timed out")
)

// RemoteError is an error returned by the remote handler itself. The peer
// was reachable and processed the call.
type RemoteError struct {
	Addr   string
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Addr, e.Method, e.Msg)
}

// Call invokes method on the RPC server at addr and waits for the reply or
// for ctx to end.
func Call(ctx context.Context, network, addr, method string, args interface{}, reply interface{}) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, err)
		}
		return fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	client := rpc.NewClient(conn)
	defer client.Close()

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s %s: %v", ErrTimeout, addr, method, ctx.Err())
	}

	if call.Error == nil {
		return nil
	}
	var se rpc.ServerError
	if errors.As(call.Error, &se) {
		return &RemoteError{Addr: addr, Method: method, Msg: string(se)}
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnreachable, addr, method, call.Error)
}

// Server accepts RPC connections for the services registered on it.
type Server struct {
	network  string
	rpcs     *rpc.Server
	listener net.Listener
	maxConns int
	logger   *logger.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Listen creates a server bound to addr. With network "unix", addr is a
// socket path and any stale socket file is removed first. A tcp address
// with port 0 picks a free port; Addr reports it.
func Listen(network, addr string, lg *logger.Logger) (*Server, error) {
	if network == "unix" {
		os.Remove(addr)
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	if lg == nil {
		lg = logger.New("INFO")
	}
	return &Server{
		network:  network,
		rpcs:     rpc.NewServer(),
		listener: l,
		logger:   lg.Named("rpc"),
		done:     make(chan struct{}),
	}, nil
}

// Register publishes the exported RPC methods of rcvr under name.
func (s *Server) Register(name string, rcvr interface{}) error {
	if err := s.rpcs.RegisterName(name, rcvr); err != nil {
		return fmt.Errorf("failed to register %s: %w", name, err)
	}
	return nil
}

// LimitConns makes the server stop accepting after n connections. Each
// Call uses one connection, so this lets tests simulate a peer that dies
// after n RPCs. Must be called before Serve.
func (s *Server) LimitConns(n int) {
	s.maxConns = n
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Network() string {
	return s.network
}

// Serve starts the accept loop in the background.
func (s *Server) Serve() {
	go s.acceptLoop()
}

// Done is closed when the accept loop exits.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) acceptLoop() {
	defer close(s.done)
	accepted := 0
	for s.maxConns == 0 || accepted < s.maxConns {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isClosed() {
				s.logger.Error("Accept failed: addr=%s err=%v", s.Addr(), err)
			}
			return
		}
		accepted++
		go s.rpcs.ServeConn(conn)
	}
	s.logger.Info("Connection budget exhausted, no longer serving: addr=%s conns=%d", s.Addr(), accepted)
	s.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting new connections. Calls already being served run to
// completion.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	if s.network == "unix" {
		os.Remove(s.listener.Addr().String())
	}
	return err
}
