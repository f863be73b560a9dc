package coordinator

import (
	"sync"

	"DistMR/internal/scheduler"
	"DistMR/internal/types"
)

// progress counts completed tasks per phase for Status and forwards every
// event to the underlying journal.
type progress struct {
	next scheduler.Journal

	mu   sync.Mutex
	done map[string]map[int]bool // job/phase -> completed task indices
}

func newProgress(next scheduler.Journal) *progress {
	return &progress{
		next: next,
		done: make(map[string]map[int]bool),
	}
}

func phaseKey(jobName string, phase types.JobPhase) string {
	return jobName + "/" + string(phase)
}

func (p *progress) mark(jobName string, phase types.JobPhase, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := phaseKey(jobName, phase)
	if p.done[k] == nil {
		p.done[k] = make(map[int]bool)
	}
	p.done[k][index] = true
}

func (p *progress) count(jobName string, phase types.JobPhase) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done[phaseKey(jobName, phase)])
}

func (p *progress) TaskDispatched(jobName string, phase types.JobPhase, index int, worker string) {
	p.next.TaskDispatched(jobName, phase, index, worker)
}

func (p *progress) TaskCompleted(jobName string, phase types.JobPhase, index int, worker string) {
	p.mark(jobName, phase, index)
	p.next.TaskCompleted(jobName, phase, index, worker)
}

func (p *progress) TaskFailed(jobName string, phase types.JobPhase, index int, worker string, err error) {
	p.next.TaskFailed(jobName, phase, index, worker, err)
}

func (p *progress) CompletedTasks(jobName string, phase types.JobPhase) []int {
	done := p.next.CompletedTasks(jobName, phase)
	for _, i := range done {
		p.mark(jobName, phase, i)
	}
	return done
}
