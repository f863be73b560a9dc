package scheduler

import (
	"context"
	"sync"
)

// Registry is the queue of idle worker addresses. It is unbounded and FIFO:
// Push never blocks, Pop blocks until an address is available.
type Registry struct {
	mu    sync.Mutex
	idle  []string
	ready chan struct{} // closed and replaced whenever idle goes non-empty
}

func NewRegistry() *Registry {
	return &Registry{ready: make(chan struct{})}
}

// Push makes worker available for dispatch.
func (r *Registry) Push(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = append(r.idle, worker)
	close(r.ready)
	r.ready = make(chan struct{})
}

// PushUnique pushes worker unless it is already idle. It reports whether
// the worker was pushed.
func (r *Registry) PushUnique(worker string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.idle {
		if w == worker {
			return false
		}
	}
	r.idle = append(r.idle, worker)
	close(r.ready)
	r.ready = make(chan struct{})
	return true
}

// Pop removes and returns the oldest idle worker, blocking until one is
// pushed or ctx is done.
func (r *Registry) Pop(ctx context.Context) (string, error) {
	for {
		r.mu.Lock()
		if len(r.idle) > 0 {
			w := r.idle[0]
			r.idle[0] = ""
			r.idle = r.idle[1:]
			r.mu.Unlock()
			return w, nil
		}
		ready := r.ready
		r.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Len reports the number of idle workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.idle)
}

// Idle returns a copy of the idle workers in queue order.
func (r *Registry) Idle() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.idle...)
}
