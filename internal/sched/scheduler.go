package sched

import (
	"sync"
	"sync/atomic"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/intr"
	"github.com/tinyrange/kernelcore/internal/ktrace"
	"github.com/tinyrange/kernelcore/internal/pmm"
	"github.com/tinyrange/kernelcore/internal/timersrc"
	"github.com/tinyrange/kernelcore/internal/vmm"
)

// Clock is the subset of timersrc.Source the scheduler depends on,
// kept as an interface so the scheduler depends only on the abstract
// timer contract, not a concrete hardware source.
type Clock interface {
	Now() uint64
	RegisterScheduler(handler timersrc.TickHandler)
}

// Scheduler owns the ready queues, the sleeping queue, and the
// currently active thread/process.
type Scheduler struct {
	levels int // L: valid priorities are 0..levels inclusive.

	mu         sync.Mutex
	ready      [][]*Thread
	sleeping   []*Thread
	active     *Thread
	activeProc *Process
	idle       *Thread
	root       *Process
	nextSeq    uint64

	tokens        map[Token]*Thread
	futexWaiters  map[uint64][]Token
	futexTimeouts []futexTimeout
	threadsByID   map[uint64]*Thread

	vm     *vmm.Manager
	fabric *intr.Fabric
	clock  Clock
	trace  ktrace.Source

	nextTID   atomic.Uint64
	nextPID   atomic.Uint64
	nextToken atomic.Uint64

	preempt atomic.Bool
}

// New returns a Scheduler with L+1 priority levels (0..levels) and no
// threads yet. Call Boot to create the idle thread and root process
// before CreateKernelThread or Start.
func New(levels int, vm *vmm.Manager, fabric *intr.Fabric, clock Clock, log *ktrace.Log) *Scheduler {
	return &Scheduler{
		levels:       levels,
		ready:        make([][]*Thread, levels+1),
		vm:           vm,
		fabric:       fabric,
		clock:        clock,
		trace:        log.WithSource("sched"),
		tokens:       make(map[Token]*Thread),
		futexWaiters: make(map[uint64][]Token),
		threadsByID:  make(map[uint64]*Thread),
	}
}

// Levels returns L, the lowest (idle) priority level.
func (s *Scheduler) Levels() int { return s.levels }

func (s *Scheduler) now() uint64 { return s.clock.Now() }

// Boot creates the root kernel process (owning rootAS, the address
// space built by C4's bootstrap) and its idle thread, registers the
// election algorithm with the timer source, and wires the
// scheduling-interrupt vector to a software-raised reschedule.
func (s *Scheduler) Boot(rootAS *vmm.AddressSpace, idleStackSize uint64) (*Process, error) {
	s.root = &Process{ID: s.nextPID.Add(1), Name: "root", AddressSpace: rootAS}

	idle, err := s.CreateKernelThread(s.root, s.levels, "idle", idleStackSize, s.idleBody, nil)
	if err != nil {
		return nil, err
	}
	s.idle = idle
	s.root.Main = idle

	s.clock.RegisterScheduler(s.Tick)
	if s.fabric != nil {
		_ = s.fabric.Register(intr.VectorSchedule, func(*intr.Context) intr.Resolution {
			s.reschedule(false, nil)
			return intr.Handled
		})
	}
	return s.root, nil
}

// idleBody is the thread every level-L ready queue falls back to. It
// enables interrupt delivery once, the simulation's equivalent of a real
// idle loop's "sti; hlt", then spins yielding the baton back to
// whichever thread the next election picks.
func (s *Scheduler) idleBody(any) (any, Cause, ReturnState) {
	if s.fabric != nil {
		s.fabric.ExitCritical(true)
	}
	for {
		s.Checkpoint()
		s.Yield()
	}
}

// RootProcess returns the process created by Boot that owns the idle
// thread; it is the reparenting target for orphaned processes.
func (s *Scheduler) RootProcess() *Process { return s.root }

// Idle returns the idle thread created by Boot.
func (s *Scheduler) Idle() *Thread { return s.idle }

// Active returns the currently running thread.
func (s *Scheduler) Active() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveProcess returns the currently running thread's process.
func (s *Scheduler) ActiveProcess() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProc
}

// Start performs the very first election, handing the baton to
// whichever thread is chosen (ordinarily idle, if nothing higher
// priority has been created yet). It does not block: the caller is
// boot code, not a thread, and has no baton of its own to wait on.
func (s *Scheduler) Start() {
	s.mu.Lock()
	next := s.popReadyLocked()
	next.state = Running
	s.active = next
	s.activeProc = next.Process
	s.mu.Unlock()
	next.proceed <- struct{}{}
}

// CreateKernelThread allocates a thread and a kernel stack in proc's
// address space, enqueues it READY at ready[prio], and spawns the
// goroutine that will run fn once the scheduler elects it.
func (s *Scheduler) CreateKernelThread(proc *Process, prio int, name string, stackSize uint64, fn ThreadFunc, arg any) (*Thread, error) {
	if prio < 0 || prio > s.levels {
		return nil, errno.Wrap("sched.CreateKernelThread", errno.BadPriority)
	}
	if stackSize%pmm.FrameSize != 0 {
		return nil, errno.Wrap("sched.CreateKernelThread", errno.BadAlign)
	}

	kstack, err := s.vm.AllocStack(proc.AddressSpace, stackSize, true)
	if err != nil {
		return nil, err
	}

	t := &Thread{
		ID:         s.nextTID.Add(1),
		Process:    proc,
		Name:       name,
		Priority:   prio,
		state:      Ready,
		KStackBase: kstack,
		KStackSize: stackSize,
		fn:         fn,
		arg:        arg,
		proceed:    make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.enqueueReadyLocked(t)
	s.threadsByID[t.ID] = t
	s.mu.Unlock()

	proc.addThread(t)
	s.trace.Infof("created thread %d (%q) prio=%d in process %d", t.ID, name, prio, proc.ID)

	go func() {
		<-t.proceed
		retVal, cause, retState := t.fn(t.arg)
		// The body may already have been terminated from inside — an
		// explicit Exit, or the fault path killing it — in which case
		// its zombie metadata is already recorded.
		if t.State() != Zombie {
			s.Exit(cause, retState, retVal)
		}
	}()

	return t, nil
}

// Sleep implements sleep(ms): the caller is marked SLEEPING with an
// absolute wakeup deadline and the baton passes to the next elected
// thread until that deadline is reached.
func (s *Scheduler) Sleep(ms uint64) error {
	cur := s.Active()
	if cur == s.idle {
		return errno.Wrap("sched.Sleep", errno.Unauthorized)
	}
	s.reschedule(false, func(t *Thread) {
		t.wakeup = s.now() + timersrc.MillisToNanos(ms)
		t.state = Sleeping
	})
	return nil
}

// Lock transitions the caller to WAITING(reason) and returns a token
// the unlocker presents to wake it.
func (s *Scheduler) Lock(reason WaitReason) (Token, error) {
	cur := s.Active()
	if cur == s.idle {
		return 0, errno.Wrap("sched.Lock", errno.Unauthorized)
	}
	token := Token(s.nextToken.Add(1))
	s.mu.Lock()
	s.tokens[token] = cur
	s.mu.Unlock()

	s.reschedule(false, func(t *Thread) {
		t.state = Waiting
		t.waitReason = reason
	})
	return token, nil
}

// Unlock wakes the thread referenced by token if and only if it is
// still WAITING(reason); otherwise it fails with INCORRECT_VALUE.
// When reschedule is true the caller raises the scheduling interrupt
// immediately afterward.
func (s *Scheduler) Unlock(token Token, reason WaitReason, reschedule bool) error {
	s.mu.Lock()
	ok := s.wakeTokenLocked(token, reason)
	s.mu.Unlock()
	if !ok {
		return errno.Wrap("sched.Unlock", errno.IncorrectValue)
	}

	if reschedule {
		s.RaiseSchedule()
	}
	return nil
}

// wakeTokenLocked moves the thread referenced by token from
// WAITING(reason) to READY, reporting whether it did so. Shared by
// Unlock and the futex wake/timeout paths, which all enforce the same
// "only if still WAITING(reason)" rule.
func (s *Scheduler) wakeTokenLocked(token Token, reason WaitReason) bool {
	t, ok := s.tokens[token]
	if !ok || t.state != Waiting || t.waitReason != reason {
		return false
	}
	delete(s.tokens, token)
	t.state = Ready
	s.enqueueReadyLocked(t)
	return true
}

// RaiseSchedule raises the scheduling interrupt: it routes
// through the interrupt fabric when one is wired (so the scheduling
// vector's handler table entry is genuinely exercised), falling back
// to a direct reschedule in tests that construct a Scheduler without
// a Fabric.
func (s *Scheduler) RaiseSchedule() {
	if s.fabric != nil {
		s.fabric.RaiseSW(intr.VectorSchedule, &intr.Registers{})
		return
	}
	s.reschedule(false, nil)
}

// Yield voluntarily gives up the remainder of the caller's turn.
func (s *Scheduler) Yield() {
	s.reschedule(false, nil)
}

// Checkpoint is a cooperative preemption point: if a tick has marked a
// higher-priority thread ready since the caller last ran, it
// reschedules now instead of waiting for the caller's next blocking
// call. See the package doc for why this, rather than true
// instruction-level preemption, is what a hosted simulation can offer.
func (s *Scheduler) Checkpoint() {
	if s.preempt.Load() {
		s.reschedule(false, nil)
	}
}

// Join implements join: if target is already ZOMBIE it is reaped
// immediately; otherwise the caller becomes JOINING and is woken by
// Exit when target terminates.
func (s *Scheduler) Join(target *Thread) (any, Cause, error) {
	s.mu.Lock()
	if target.state == Zombie {
		s.mu.Unlock()
		return s.reap(target), target.cause, nil
	}
	if target.joiner != nil {
		s.mu.Unlock()
		return nil, CauseNone, errno.Wrap("sched.Join", errno.Unauthorized)
	}
	target.joiner = s.active
	s.mu.Unlock()

	s.reschedule(false, func(t *Thread) { t.state = Joining })

	return s.reap(target), target.cause, nil
}

// reap performs termination cleanup: running every registered
// resource cleanup, freeing both stacks, and
// detaching the thread from its process. It returns the thread's
// recorded return value; ReturnState is available via ExitInfo for
// callers (like waitpid) that need it.
func (s *Scheduler) reap(t *Thread) any {
	for _, cleanup := range t.resources {
		cleanup()
	}
	if t.KStackSize > 0 {
		_ = s.vm.Munmap(t.Process.AddressSpace, t.KStackBase, t.KStackSize)
	}
	if t.UStackSize > 0 {
		_ = s.vm.Munmap(t.Process.AddressSpace, t.UStackBase, t.UStackSize)
	}
	t.Process.removeThread(t)
	s.mu.Lock()
	delete(s.threadsByID, t.ID)
	s.mu.Unlock()
	return t.retVal
}

// Exit records termination metadata, wakes a joiner if one is
// installed, and yields the CPU forever (the thread's goroutine
// returns and never runs again). The idle thread may not exit.
func (s *Scheduler) Exit(cause Cause, retState ReturnState, value any) {
	cur := s.Active()
	if cur == s.idle {
		panic("sched: idle thread may not exit")
	}

	s.mu.Lock()
	cur.cause = cause
	cur.retState = retState
	cur.retVal = value
	cur.state = Zombie
	joiner := cur.joiner
	if joiner != nil {
		joiner.state = Ready
		s.enqueueReadyLocked(joiner)
	}
	s.mu.Unlock()

	s.trace.Infof("thread %d exited cause=%v retState=%v", cur.ID, cause, retState)
	s.reschedule(true, nil)
}

// AddResource registers a cleanup to be invoked when t is reaped.
func (s *Scheduler) AddResource(t *Thread, cleanup func()) {
	s.mu.Lock()
	t.resources = append(t.resources, cleanup)
	s.mu.Unlock()
}

// Tick implements the clock-driven half of the election algorithm:
// threads whose deadline has passed move to READY, and if a strictly
// higher-priority thread than the active one just became ready,
// preemption is marked pending for the active thread's next
// Checkpoint.
func (s *Scheduler) Tick(now uint64) {
	s.mu.Lock()
	s.drainSleepingLocked(now)
	s.drainFutexTimeoutsLocked(now)
	if cur := s.active; cur != nil {
		for lvl := 0; lvl < cur.Priority; lvl++ {
			if len(s.ready[lvl]) > 0 {
				s.preempt.Store(true)
				break
			}
		}
	}
	s.mu.Unlock()
}

// reschedule is the election algorithm plus the goroutine hand-off
// that stands in for a real context switch. prep,
// if non-nil, runs under the scheduler lock before the caller's state
// is inspected, letting Sleep/Lock/Join set the outgoing state and
// queue membership atomically with the rest of the election step.
func (s *Scheduler) reschedule(selfExiting bool, prep func(cur *Thread)) {
	s.mu.Lock()
	cur := s.active
	if prep != nil {
		prep(cur)
	}
	now := s.now()
	if !selfExiting && cur != nil {
		switch cur.state {
		case Running, Ready:
			cur.state = Ready
			s.enqueueReadyLocked(cur)
		case Sleeping:
			s.insertSleepingLocked(cur)
		}
	}
	s.drainSleepingLocked(now)
	next := s.popReadyLocked()
	next.state = Running
	s.active = next
	s.activeProc = next.Process
	s.preempt.Store(false)
	s.mu.Unlock()

	if next == cur {
		return
	}
	next.proceed <- struct{}{}
	if selfExiting || cur == nil {
		return
	}
	<-cur.proceed
}

func (s *Scheduler) enqueueReadyLocked(t *Thread) {
	s.ready[t.Priority] = append(s.ready[t.Priority], t)
}

// popReadyLocked scans ready[0..levels] in priority order and pops the
// first non-empty queue. Idle is expected to always be present by the
// time this runs, since it is re-enqueued in the same locked section
// that precedes every call.
func (s *Scheduler) popReadyLocked() *Thread {
	for lvl := 0; lvl <= s.levels; lvl++ {
		q := s.ready[lvl]
		if len(q) > 0 {
			t := q[0]
			s.ready[lvl] = q[1:]
			return t
		}
	}
	return s.idle
}

// insertSleepingLocked inserts t into the sleeping queue, kept sorted
// by (wakeup, seq) so ties break by insertion order.
func (s *Scheduler) insertSleepingLocked(t *Thread) {
	t.seq = s.nextSeq
	s.nextSeq++
	i := 0
	for i < len(s.sleeping) {
		o := s.sleeping[i]
		if o.wakeup > t.wakeup || (o.wakeup == t.wakeup && o.seq > t.seq) {
			break
		}
		i++
	}
	s.sleeping = append(s.sleeping, nil)
	copy(s.sleeping[i+1:], s.sleeping[i:])
	s.sleeping[i] = t
}

// removeSleepingLocked drops t from the sleeping queue if present,
// used when force-reaping a process's leftover threads.
func (s *Scheduler) removeSleepingLocked(t *Thread) {
	for i, o := range s.sleeping {
		if o == t {
			s.sleeping = append(s.sleeping[:i], s.sleeping[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) drainSleepingLocked(now uint64) {
	i := 0
	for i < len(s.sleeping) && s.sleeping[i].wakeup <= now {
		t := s.sleeping[i]
		t.state = Ready
		s.enqueueReadyLocked(t)
		i++
	}
	if i > 0 {
		s.sleeping = s.sleeping[i:]
	}
}
