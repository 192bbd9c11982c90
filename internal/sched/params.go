package sched

import "github.com/tinyrange/kernelcore/internal/errno"

// GetParams is the supplemented SCHED_GET_PARAMS primitive: it reports
// a live thread's current scheduling priority.
func (s *Scheduler) GetParams(tid uint64) (priority int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threadsByID[tid]
	if !ok {
		return 0, errno.Wrap("sched.GetParams", errno.NoSuchID)
	}
	return t.Priority, nil
}

// SetParams is the supplemented SCHED_SET_PARAMS primitive: it
// rewrites a live thread's priority and, if the thread is currently
// READY, re-slots it into the new priority level's ready queue so the
// election algorithm picks it up at the right place immediately.
func (s *Scheduler) SetParams(tid uint64, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threadsByID[tid]
	if !ok {
		return errno.Wrap("sched.SetParams", errno.NoSuchID)
	}
	if priority < 0 || priority > s.levels {
		return errno.Wrap("sched.SetParams", errno.BadPriority)
	}

	if t.state == Ready {
		s.removeFromReadyLocked(t)
		t.Priority = priority
		s.enqueueReadyLocked(t)
	} else {
		t.Priority = priority
	}
	return nil
}

func (s *Scheduler) removeFromReadyLocked(t *Thread) {
	q := s.ready[t.Priority]
	for i, o := range q {
		if o == t {
			s.ready[t.Priority] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
