package sched

import (
	"sync"

	"github.com/tinyrange/kernelcore/internal/vmm"
)

// Process is the scheduler's per-process control block: an
// identifier, parent reference, child list, thread list, address
// space and main thread.
type Process struct {
	ID     uint64
	Parent *Process
	Name   string

	mu       sync.Mutex
	children []*Process
	threads  []*Thread

	AddressSpace *vmm.AddressSpace
	Main         *Thread
}

// Children returns a snapshot of the process's current child list.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, len(p.children))
	copy(out, p.children)
	return out
}

// Threads returns a snapshot of the process's current thread list.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, len(p.threads))
	copy(out, p.threads)
	return out
}

func (p *Process) addChild(c *Process) {
	p.mu.Lock()
	p.children = append(p.children, c)
	p.mu.Unlock()
}

func (p *Process) removeChild(c *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ch := range p.children {
		if ch == c {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return
		}
	}
}

func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()
}

func (p *Process) removeThread(t *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}
