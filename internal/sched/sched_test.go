package sched

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/ktrace"
	"github.com/tinyrange/kernelcore/internal/pmm"
	"github.com/tinyrange/kernelcore/internal/timersrc"
	"github.com/tinyrange/kernelcore/internal/vmm"
)

const testSplit = 0x40000000

func newTestScheduler(t *testing.T) (*Scheduler, *vmm.Manager, *timersrc.Source) {
	t.Helper()
	arena, err := pmm.NewArena(64 << 20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	frames := pmm.New()
	if err := frames.DeclareAvailable(0, arena.Size()); err != nil {
		t.Fatalf("DeclareAvailable: %v", err)
	}
	vm, err := vmm.NewManager(frames, arena, testSplit)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	clock := timersrc.New()
	log := ktrace.New(clock)
	s := New(4, vm, nil, clock, log)

	rootAS, err := vm.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	if _, err := s.Boot(rootAS, pmm.FrameSize); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	return s, vm, clock
}

func waitOrFail(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// TestElectionPicksHigherPriority checks the election algorithm's
// core rule: it always picks the lowest-numbered non-empty ready
// level, regardless of creation order.
func TestElectionPicksHigherPriority(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	body := func(prio int) ThreadFunc {
		return func(any) (any, Cause, ReturnState) {
			mu.Lock()
			order = append(order, prio)
			mu.Unlock()
			if prio == 2 {
				close(done)
			}
			return nil, Correctly, Returned
		}
	}

	// Created out of priority order on purpose.
	for _, p := range []int{2, 0, 1} {
		if _, err := s.CreateKernelThread(s.RootProcess(), p, "worker", pmm.FrameSize, body(p), nil); err != nil {
			t.Fatalf("CreateKernelThread(prio=%d): %v", p, err)
		}
	}

	s.Start()
	waitOrFail(t, done, "all three workers to run")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("run order = %v, want [0 1 2]", order)
	}
}

// TestSleepWakesInDeadlineOrder checks that two threads sleeping for
// different durations wake in deadline order, driven purely by
// Source.Advance (the tick path), not by real time.
func TestSleepWakesInDeadlineOrder(t *testing.T) {
	s, _, clock := newTestScheduler(t)

	var mu sync.Mutex
	var order []string
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	sleeper := func(name string, ms uint64, done chan struct{}) ThreadFunc {
		return func(any) (any, Cause, ReturnState) {
			if err := s.Sleep(ms); err != nil {
				t.Errorf("Sleep(%s): %v", name, err)
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			close(done)
			return nil, Correctly, Returned
		}
	}

	if _, err := s.CreateKernelThread(s.RootProcess(), 0, "A", pmm.FrameSize, sleeper("A", 20, doneA), nil); err != nil {
		t.Fatalf("CreateKernelThread(A): %v", err)
	}
	if _, err := s.CreateKernelThread(s.RootProcess(), 1, "B", pmm.FrameSize, sleeper("B", 5, doneB), nil); err != nil {
		t.Fatalf("CreateKernelThread(B): %v", err)
	}

	s.Start()

	// Start does not block: wait until A and B have both gone to sleep
	// and the idle thread holds the baton before advancing the clock.
	for deadline := time.Now().Add(2 * time.Second); s.Active() != s.Idle(); {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for A and B to go to sleep")
		}
		time.Sleep(time.Millisecond)
	}

	clock.Advance(timersrc.MillisToNanos(5))
	waitOrFail(t, doneB, "B to wake at 5ms")

	clock.Advance(timersrc.MillisToNanos(15))
	waitOrFail(t, doneA, "A to wake at 20ms")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("wake order = %v, want [B A]", order)
	}
}

// TestUnlockRejectsWrongReason checks the "if and only if
// its current state is WAITING(reason)" rule.
func TestUnlockRejectsWrongReason(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	done := make(chan struct{})
	var lockErr, unlockErr error
	var token Token
	locked := make(chan struct{})

	// The locker parks itself; the unlocker (lower priority, so it only
	// runs once the locker has parked) tries to wake it with the wrong
	// reason first, then the right one.
	lockerBody := func(any) (any, Cause, ReturnState) {
		var err error
		token, err = s.Lock(WaitReason("disk"))
		if err != nil {
			lockErr = err
		}
		return nil, Correctly, Returned
	}
	if _, err := s.CreateKernelThread(s.RootProcess(), 0, "locker", pmm.FrameSize, lockerBody, nil); err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}
	close(locked)

	unlocker := func(any) (any, Cause, ReturnState) {
		<-locked
		unlockErr = s.Unlock(token, WaitReason("net"), false)
		_ = s.Unlock(token, WaitReason("disk"), false)
		close(done)
		return nil, Correctly, Returned
	}
	if _, err := s.CreateKernelThread(s.RootProcess(), 1, "unlocker", pmm.FrameSize, unlocker, nil); err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}

	s.Start()
	waitOrFail(t, done, "unlocker to attempt both wakes")

	if lockErr != nil {
		t.Fatalf("Lock: %v", lockErr)
	}
	if !errors.Is(unlockErr, errno.IncorrectValue) {
		t.Fatalf("Unlock(wrong reason) = %v, want INCORRECT_VALUE", unlockErr)
	}
}

// TestForkWaitPidRoundTrip exercises fork/wait_pid
// pair end to end: the child's COW address space, its independent
// priority and entry point, and the parent observing its exact return
// value and cause through WaitPid.
func TestForkWaitPidRoundTrip(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	done := make(chan struct{})
	var gotVal any
	var gotCause Cause
	var gotErr error

	childFn := func(any) (any, Cause, ReturnState) {
		return "child-result", Correctly, Returned
	}

	parentBody := func(any) (any, Cause, ReturnState) {
		pid, err := s.Fork(2, "child", pmm.FrameSize, childFn, nil)
		if err != nil {
			gotErr = err
			close(done)
			return nil, PanicCause, Killed
		}
		gotVal, gotCause, gotErr = s.WaitPid(pid)
		close(done)
		return nil, Correctly, Returned
	}

	if _, err := s.CreateKernelThread(s.RootProcess(), 1, "parent", pmm.FrameSize, parentBody, nil); err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}

	s.Start()
	waitOrFail(t, done, "fork/waitpid round trip")

	if gotErr != nil {
		t.Fatalf("WaitPid: %v", gotErr)
	}
	if gotVal != "child-result" {
		t.Fatalf("WaitPid retVal = %v, want %q", gotVal, "child-result")
	}
	if gotCause != Correctly {
		t.Fatalf("WaitPid cause = %v, want Correctly", gotCause)
	}
}

// TestFutexWaitWake checks the supplemented FUTEX_WAIT/FUTEX_WAKE pair:
// a higher-priority waiter parks on a word's current value, a
// lower-priority waker flips it and wakes the waiter, and the waiter
// observes the wake rather than timing out.
func TestFutexWaitWake(t *testing.T) {
	s, vm, _ := newTestScheduler(t)

	const addr = 0x1000000
	if err := vm.Mmap(s.RootProcess().AddressSpace, addr, pmm.FrameSize, false, false); err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	if err := vm.WriteUint32(s.RootProcess().AddressSpace, addr, 0); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}

	done := make(chan struct{})
	var waitErr error

	waiter := func(any) (any, Cause, ReturnState) {
		waitErr = s.FutexWait(vm, s.RootProcess().AddressSpace, addr, 0, 0)
		close(done)
		return nil, Correctly, Returned
	}
	waker := func(any) (any, Cause, ReturnState) {
		if err := vm.WriteUint32(s.RootProcess().AddressSpace, addr, 1); err != nil {
			t.Errorf("WriteUint32: %v", err)
		}
		s.FutexWake(addr, 1)
		return nil, Correctly, Returned
	}

	if _, err := s.CreateKernelThread(s.RootProcess(), 0, "waiter", pmm.FrameSize, waiter, nil); err != nil {
		t.Fatalf("CreateKernelThread(waiter): %v", err)
	}
	if _, err := s.CreateKernelThread(s.RootProcess(), 1, "waker", pmm.FrameSize, waker, nil); err != nil {
		t.Fatalf("CreateKernelThread(waker): %v", err)
	}

	s.Start()
	waitOrFail(t, done, "futex wait/wake rendezvous")

	if waitErr != nil {
		t.Fatalf("FutexWait: %v", waitErr)
	}
}

// TestWaitPidReapsEveryChildThread checks process cleanup: a child
// whose main thread exits while a sibling thread is still parked on a
// lock is fully reclaimed by wait_pid, sibling included.
func TestWaitPidReapsEveryChildThread(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	done := make(chan struct{})
	var childProc *Process
	var waitErr error

	sibling := func(any) (any, Cause, ReturnState) {
		if _, err := s.Lock(WaitReason("forever")); err != nil {
			t.Errorf("Lock: %v", err)
		}
		return nil, Correctly, Returned
	}

	childMain := func(any) (any, Cause, ReturnState) {
		childProc = s.ActiveProcess()
		if _, err := s.CreateKernelThread(childProc, 2, "sibling", pmm.FrameSize, sibling, nil); err != nil {
			t.Errorf("CreateKernelThread(sibling): %v", err)
		}
		// Let the sibling run far enough to park on its lock.
		s.Yield()
		return 7, Correctly, Returned
	}

	parent := func(any) (any, Cause, ReturnState) {
		pid, err := s.Fork(2, "child", pmm.FrameSize, childMain, nil)
		if err != nil {
			waitErr = err
			close(done)
			return nil, Correctly, Returned
		}
		_, _, waitErr = s.WaitPid(pid)
		close(done)
		return nil, Correctly, Returned
	}

	if _, err := s.CreateKernelThread(s.RootProcess(), 1, "parent", pmm.FrameSize, parent, nil); err != nil {
		t.Fatalf("CreateKernelThread(parent): %v", err)
	}

	s.Start()
	waitOrFail(t, done, "waitpid to collect the child")

	if waitErr != nil {
		t.Fatalf("WaitPid: %v", waitErr)
	}
	if childProc == nil {
		t.Fatalf("child main never recorded its process")
	}
	if threads := childProc.Threads(); len(threads) != 0 {
		t.Fatalf("child still owns %d thread(s) after waitpid", len(threads))
	}
}

// TestGetSetParamsReslots checks the supplemented SCHED_SET_PARAMS
// primitive moves a READY thread into its new priority level.
func TestGetSetParamsReslots(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	never := func(any) (any, Cause, ReturnState) {
		<-make(chan struct{}) // never runs in this test
		return nil, Correctly, Returned
	}

	th, err := s.CreateKernelThread(s.RootProcess(), 3, "bg", pmm.FrameSize, never, nil)
	if err != nil {
		t.Fatalf("CreateKernelThread: %v", err)
	}

	got, err := s.GetParams(th.ID)
	if err != nil {
		t.Fatalf("GetParams: %v", err)
	}
	if got != 3 {
		t.Fatalf("GetParams = %d, want 3", got)
	}

	if err := s.SetParams(th.ID, 1); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	got, _ = s.GetParams(th.ID)
	if got != 1 {
		t.Fatalf("GetParams after SetParams = %d, want 1", got)
	}
	if th.Priority != 1 {
		t.Fatalf("thread.Priority = %d, want 1", th.Priority)
	}

	if err := s.SetParams(th.ID, 99); !errors.Is(err, errno.BadPriority) {
		t.Fatalf("SetParams(99) = %v, want BAD_PRIORITY", err)
	}
	if err := s.SetParams(12345, 1); !errors.Is(err, errno.NoSuchID) {
		t.Fatalf("SetParams(unknown tid) = %v, want NO_SUCH_ID", err)
	}
}
