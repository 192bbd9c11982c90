// Package timersrc implements C7: a monotonic uptime source and a
// periodic tick that drives scheduler preemption. The concrete
// hardware source (legacy PIT or local-APIC timer) is external to the
// kernel core; this package only expresses the abstract interface the
// rest of the core depends on, since the underlying hardware source is
// pluggable and the scheduler should depend only on that interface.
package timersrc

import "sync/atomic"

// TickHandler is invoked once per system tick. It is expected to call
// into the scheduler's election algorithm.
type TickHandler func(nowNanos uint64)

// Source is a monotonic, software-advanced clock standing in for the
// hardware timer. Tests and the cmd/kernel boot-simulation harness
// advance it explicitly with Advance; a real hardware backend, which
// is out of scope here, would instead drive it from the timer
// interrupt.
type Source struct {
	nanos   atomic.Uint64
	handler atomic.Pointer[TickHandler]
}

// New returns a Source starting at zero nanoseconds since boot.
func New() *Source {
	return &Source{}
}

// Now returns the current uptime in nanoseconds since boot. It never
// decreases.
func (s *Source) Now() uint64 {
	return s.nanos.Load()
}

// RegisterScheduler installs handler to be invoked at every system
// tick delivered through Tick. Only one handler may be registered at a
// time; a later call replaces the earlier one, matching the single
// scheduler the core ever has.
func (s *Source) RegisterScheduler(handler TickHandler) {
	h := handler
	s.handler.Store(&h)
}

// Advance moves the clock forward by deltaNanos and, if a scheduler is
// registered, invokes it once with the new timestamp. This is the
// simulation's stand-in for the hardware timer interrupt firing.
func (s *Source) Advance(deltaNanos uint64) {
	now := s.nanos.Add(deltaNanos)
	if h := s.handler.Load(); h != nil {
		(*h)(now)
	}
}

// MillisToNanos converts a millisecond duration (as used by
// sched.Sleep) into the nanosecond units Now() reports: a sleeping
// thread's wakeup deadline is now + ms*10**6 ns.
func MillisToNanos(ms uint64) uint64 {
	return ms * 1_000_000
}
