// Package sched implements C5: thread and process control blocks,
// strict preemptive priority scheduling with round-robin within a
// level, sleep/lock/join/waitpid/fork, and the election algorithm
// that drives preemption. Its concurrency idiom is a single active
// worker with everyone else parked waiting on a channel: one
// goroutine per thread, handed a baton it blocks on until elected,
// generalized here from one worker to many threads.
//
// # Simulation model
//
// There is no real CPU to context-switch, no hardware stack to swap,
// and no way for one goroutine to forcibly suspend another mid
// instruction the way an interrupt suspends a real kernel thread. This
// package's rendition of "a single thread executes in the kernel at
// any time" is a strict baton: every Thread body runs on
// its own goroutine, but at most one goroutine is ever runnable at a
// time — every other thread's goroutine is blocked receiving from its
// own proceed channel. Sleep, Lock, Join, WaitPid and Yield hand the
// baton to the next elected thread and then block the caller until it
// is elected again; this lets a thread body suspend and resume at the
// exact Go call site the way real kernel code suspends inside sleep()
// or lock(), which a callback/continuation-passing design could not
// offer.
//
// A tick delivered while the active thread is not blocked on its own
// channel (i.e. it is actually running Go code) cannot force that
// goroutine to stop — Go has no such primitive. Thread bodies that
// want to honor preemption
// promptly call Scheduler.Checkpoint at natural points; this is the
// one place the hosted simulation cannot be fully faithful to real
// hardware preemption "at any instruction," and is noted here rather
// than silently assumed, the same way vmm's package doc flags
// VirtToPhys's simplification.
package sched

import "github.com/tinyrange/kernelcore/internal/intr"

// State is a thread's position in its scheduling lifecycle.
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Waiting
	Joining
	Zombie
	Copying
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	case Waiting:
		return "WAITING"
	case Joining:
		return "JOINING"
	case Zombie:
		return "ZOMBIE"
	case Copying:
		return "COPYING"
	default:
		return "?"
	}
}

// Cause is why a thread terminated.
type Cause int

const (
	CauseNone Cause = iota
	Correctly
	PanicCause
	InitCode
	ForkFail
	SignalCause
)

// ReturnState is what a joiner observes about how a thread ended.
type ReturnState int

const (
	Returned ReturnState = iota
	Killed
)

// WaitReason tags what a WAITING thread is blocked on. Unlock only
// wakes a thread whose current state is WAITING on this exact reason,
// compared by value.
type WaitReason string

// Token is the opaque handle Lock returns and Unlock consumes.
type Token uint64

// ThreadFunc is a kernel thread's entry function. It runs to
// completion on its own goroutine and its return value feeds Exit
// automatically when it returns without calling Exit itself.
type ThreadFunc func(arg any) (retVal any, cause Cause, retState ReturnState)

// Thread is the scheduler's per-thread control block.
type Thread struct {
	ID       uint64
	Process  *Process
	Name     string
	Priority int

	state State

	KStackBase, KStackSize uint64
	UStackBase, UStackSize uint64

	fn  ThreadFunc
	arg any

	wakeup     uint64
	waitReason WaitReason
	joiner     *Thread

	retVal   any
	cause    Cause
	retState ReturnState

	savedContext *intr.Registers
	resources    []func()

	seq uint64

	proceed chan struct{}
	exited  chan struct{}
}

// State reports the thread's current lifecycle state.
func (t *Thread) State() State { return t.state }

// ExitInfo returns the termination metadata recorded by Exit, valid
// once the thread is ZOMBIE.
func (t *Thread) ExitInfo() (retVal any, cause Cause, retState ReturnState) {
	return t.retVal, t.cause, t.retState
}

// SetSavedContext records the interrupt context the thread most
// recently trapped into the kernel with. internal/syscall's dispatcher
// calls this on entry so a syscall body can inspect or rewrite the
// caller-visible registers (e.g. the return value slot in EAX) before
// the trap returns.
func (t *Thread) SetSavedContext(regs *intr.Registers) { t.savedContext = regs }

// SavedContext returns the context last recorded by SetSavedContext,
// or nil if the thread has never trapped into the kernel.
func (t *Thread) SavedContext() *intr.Registers { return t.savedContext }
