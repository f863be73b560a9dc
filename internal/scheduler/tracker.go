package scheduler

import "sync"

type taskState int

const (
	taskPending taskState = iota
	taskInFlight
	taskComplete
)

// tracker is the completion set of one phase plus the in-flight marker of
// every task. done is closed once every task is complete.
type tracker struct {
	mu        sync.Mutex
	states    []taskState
	attempts  []int
	completed int
	done      chan struct{}
}

func newTracker(n int) *tracker {
	t := &tracker{
		states:   make([]taskState, n),
		attempts: make([]int, n),
		done:     make(chan struct{}),
	}
	if n == 0 {
		close(t.done)
	}
	return t
}

// begin marks task i in flight. It returns false if the task is already in
// flight or complete.
func (t *tracker) begin(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[i] != taskPending {
		return false
	}
	t.states[i] = taskInFlight
	t.attempts[i]++
	return true
}

// complete records a successful attempt of task i. It returns false when
// the task was already complete, in which case nothing changes.
func (t *tracker) complete(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[i] == taskComplete {
		return false
	}
	t.states[i] = taskComplete
	t.completed++
	if t.completed == len(t.states) {
		close(t.done)
	}
	return true
}

// release returns an in-flight task i to pending after a failed attempt.
// It returns false if the task had completed in the meantime.
func (t *tracker) release(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.states[i] != taskInFlight {
		return false
	}
	t.states[i] = taskPending
	return true
}

func (t *tracker) attemptsOf(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[i]
}

func (t *tracker) completedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

func (t *tracker) isComplete(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[i] == taskComplete
}
