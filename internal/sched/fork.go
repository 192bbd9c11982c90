package sched

import "github.com/tinyrange/kernelcore/internal/errno"

// Fork implements fork: a new process is created
// whose address space is a copy-on-write clone of the caller's
// (internal/vmm.CloneAddressSpace — every REGULAR page demoted to COW
// on both sides, HARDWARE pages re-referenced, the caller's own kernel
// stack deep-copied into fresh PRIVATE frames), and whose single
// thread runs childFn(childArg) at priority childPrio.
//
// A literal Unix fork() returns twice from the same call in both
// parent and child; that has no construction in Go without a
// duplicated goroutine stack to resume into, so this implementation resolves
// the semantic gap by having the caller supply the child's entry point
// explicitly rather than relying on "the same call returns twice" —
// every fork/wait_pid invariant still holds (COW sharing until write,
// refcounted HARDWARE pages, reparenting on exit), only the calling
// convention differs.
func (s *Scheduler) Fork(childPrio int, name string, childStackSize uint64, childFn ThreadFunc, childArg any) (uint64, error) {
	cur := s.Active()
	if cur == s.idle {
		return 0, errno.Wrap("sched.Fork", errno.Unauthorized)
	}
	parent := cur.Process

	// The whole clone runs with interrupts off: the parent's page
	// tables are demoted in place, and a tick landing between a
	// demotion and the matching refcount bump would observe a
	// half-applied fork.
	if s.fabric != nil {
		wasEnabled := s.fabric.EnterCritical()
		defer s.fabric.ExitCritical(wasEnabled)
	}

	s.mu.Lock()
	cur.state = Copying
	s.mu.Unlock()
	childAS, err := s.vm.CloneAddressSpace(parent.AddressSpace, cur.KStackBase, cur.KStackSize)
	s.mu.Lock()
	cur.state = Running
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	child := &Process{
		ID:           s.nextPID.Add(1),
		Parent:       parent,
		Name:         name,
		AddressSpace: childAS,
	}
	parent.addChild(child)

	main, err := s.CreateKernelThread(child, childPrio, name, childStackSize, childFn, childArg)
	if err != nil {
		parent.removeChild(child)
		_ = s.vm.DestroyAddressSpace(childAS)
		return 0, err
	}
	child.Main = main

	s.trace.Infof("process %d forked child %d", parent.ID, child.ID)
	return child.ID, nil
}

// ForkCurrent is the form internal/syscall's trap-vector FORK entry
// uses: a real fork() returns into the very function that called it,
// in both parent and child, and the child distinguishes itself by the
// call's return value. Register-ABI syscalls can carry a priority and
// a stack size but not a Go closure, so this wrapper recovers that
// "same function, both sides" shape the only way available here — the
// child is handed the caller's own entry function and argument — while
// Fork above remains for kernel-internal callers that do want to name
// an explicit child entry point.
func (s *Scheduler) ForkCurrent(childPrio int, name string, childStackSize uint64) (uint64, error) {
	cur := s.Active()
	if cur == s.idle {
		return 0, errno.Wrap("sched.ForkCurrent", errno.Unauthorized)
	}
	return s.Fork(childPrio, name, childStackSize, cur.fn, cur.arg)
}

// WaitPid implements wait_pid: it blocks until the
// child process identified by pid has fully exited (its main thread
// reaches ZOMBIE), reaps the child's address space, detaches it from
// the caller's process, and reparents any of the child's own children
// to the scheduler's root process.
func (s *Scheduler) WaitPid(pid uint64) (retVal any, cause Cause, err error) {
	cur := s.Active()
	parent := cur.Process

	var child *Process
	for _, c := range parent.Children() {
		if c.ID == pid {
			child = c
			break
		}
	}
	if child == nil {
		return nil, CauseNone, errno.Wrap("sched.WaitPid", errno.NoSuchID)
	}

	retVal, cause, err = s.Join(child.Main)
	if err != nil {
		return nil, CauseNone, err
	}

	// Reap every remaining thread of the dying process: pull each one
	// out of whatever queue still references it, force it to ZOMBIE,
	// and run the usual termination cleanup. Their goroutines stay
	// parked on a baton that will never arrive.
	for _, t := range child.Threads() {
		if t == child.Main {
			continue
		}
		s.mu.Lock()
		if t.state == Ready {
			s.removeFromReadyLocked(t)
		}
		s.removeSleepingLocked(t)
		t.state = Zombie
		t.cause = SignalCause
		t.retState = Killed
		s.mu.Unlock()
		s.reap(t)
	}

	if err := s.vm.DestroyAddressSpace(child.AddressSpace); err != nil {
		return nil, CauseNone, err
	}
	parent.removeChild(child)

	for _, gc := range child.Children() {
		gc.Parent = s.root
		s.root.addChild(gc)
	}

	s.trace.Infof("process %d reaped child %d", parent.ID, child.ID)
	return retVal, cause, nil
}
