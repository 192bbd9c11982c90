package sched

import (
	"github.com/tinyrange/kernelcore/internal/errno"
	"github.com/tinyrange/kernelcore/internal/timersrc"
	"github.com/tinyrange/kernelcore/internal/vmm"
)

// reasonFutex is the WaitReason every futex-parked thread carries,
// shared across every address so Unlock's reason check still applies
// uniformly (the address itself disambiguates which wait-queue a
// token lives in).
const reasonFutex WaitReason = "futex"

type futexTimeout struct {
	token  Token
	addr   uint64
	wakeup uint64
}

// FutexWait implements the FUTEX_WAIT primitive by combining a lock
// with a separate sleep-then-unlock helper: the word at addr is read
// and compared to expected under the scheduler lock, and only if it
// still matches does the caller park
// WAITING(futex) until a matching FutexWake or until ms milliseconds
// elapse (ms == 0 means wait indefinitely).
func (s *Scheduler) FutexWait(vm *vmm.Manager, as *vmm.AddressSpace, addr uint64, expected uint32, ms uint64) error {
	cur := s.Active()
	if cur == s.idle {
		return errno.Wrap("sched.FutexWait", errno.Unauthorized)
	}

	token := Token(s.nextToken.Add(1))
	s.mu.Lock()
	current, err := vm.ReadUint32(as, addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if current != expected {
		s.mu.Unlock()
		return errno.Wrap("sched.FutexWait", errno.IncorrectValue)
	}
	s.tokens[token] = cur
	s.futexWaiters[addr] = append(s.futexWaiters[addr], token)
	if ms > 0 {
		s.insertFutexTimeoutLocked(futexTimeout{token: token, addr: addr, wakeup: s.now() + timersrc.MillisToNanos(ms)})
	}
	s.mu.Unlock()

	s.reschedule(false, func(t *Thread) {
		t.state = Waiting
		t.waitReason = reasonFutex
	})
	return nil
}

// FutexWake wakes up to count threads parked on addr (count <= 0
// wakes all of them) and returns how many were actually woken.
func (s *Scheduler) FutexWake(addr uint64, count int) int {
	s.mu.Lock()
	waiters := s.futexWaiters[addr]
	if count <= 0 || count > len(waiters) {
		count = len(waiters)
	}
	woken := waiters[:count]
	s.futexWaiters[addr] = waiters[count:]
	for _, token := range woken {
		s.wakeTokenLocked(token, reasonFutex)
	}
	s.mu.Unlock()

	if len(woken) > 0 {
		s.RaiseSchedule()
	}
	return len(woken)
}

func (s *Scheduler) insertFutexTimeoutLocked(ft futexTimeout) {
	i := 0
	for i < len(s.futexTimeouts) && s.futexTimeouts[i].wakeup <= ft.wakeup {
		i++
	}
	s.futexTimeouts = append(s.futexTimeouts, futexTimeout{})
	copy(s.futexTimeouts[i+1:], s.futexTimeouts[i:])
	s.futexTimeouts[i] = ft
}

// drainFutexTimeoutsLocked wakes every futex waiter whose deadline has
// passed. A token that was already woken by FutexWake is a harmless
// no-op here: wakeTokenLocked only acts on threads still WAITING.
func (s *Scheduler) drainFutexTimeoutsLocked(now uint64) {
	i := 0
	for i < len(s.futexTimeouts) && s.futexTimeouts[i].wakeup <= now {
		ft := s.futexTimeouts[i]
		s.wakeTokenLocked(ft.token, reasonFutex)
		s.removeFutexWaiterLocked(ft.addr, ft.token)
		i++
	}
	if i > 0 {
		s.futexTimeouts = s.futexTimeouts[i:]
	}
}

func (s *Scheduler) removeFutexWaiterLocked(addr uint64, token Token) {
	list := s.futexWaiters[addr]
	for i, tok := range list {
		if tok == token {
			s.futexWaiters[addr] = append(list[:i], list[i+1:]...)
			return
		}
	}
}
