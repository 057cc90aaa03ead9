// Package alarm provides a tag-keyed one-shot alarm scheduler driven by a
// timectrl.Clock. Components register a callback under a tag; setting the
// same tag again replaces the previous alarm, mirroring platform alarm
// manager semantics.
package alarm

import (
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/wifi-coordinator/timectrl"
)

// Scheduler owns pending one-shot alarms ordered by deadline.
//
// Alarms do not fire spontaneously: a driver pumps RunDue after the clock
// advances (the demo runner ticks it; a ManualClock listener works too).
// This keeps firing deterministic in tests and preserves the single-writer
// discipline of the components that consume alarm callbacks.
type Scheduler struct {
	clock timectrl.Clock

	mu      sync.Mutex
	pending []*oneShot
	index   map[string]*oneShot
}

type oneShot struct {
	tag       string
	when      time.Time
	f         func()
	cancelled bool
}

// NewScheduler creates a scheduler backed by the given clock.
func NewScheduler(clock timectrl.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		index: make(map[string]*oneShot),
	}
}

// Now returns the scheduler's current time, delegated to the clock.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// SetOneShot arms an alarm to fire f once delay has elapsed. An existing
// alarm with the same tag is replaced. Non-positive delays fire on the next
// RunDue.
func (s *Scheduler) SetOneShot(delay time.Duration, tag string, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.index[tag]; ok {
		prev.cancelled = true
	}

	ev := &oneShot{
		tag:  tag,
		when: s.clock.Now().Add(delay),
		f:    f,
	}
	s.addPendingLocked(ev)
	s.index[tag] = ev
}

// addPendingLocked inserts an alarm into the pending slice maintaining
// deadline order. Caller must hold s.mu.
func (s *Scheduler) addPendingLocked(ev *oneShot) {
	idx := sort.Search(len(s.pending), func(i int) bool {
		return !s.pending[i].when.Before(ev.when)
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[idx+1:], s.pending[idx:])
	s.pending[idx] = ev
}

// Cancel disarms the alarm registered under tag. It is a no-op if the tag is
// unknown or the alarm already fired.
func (s *Scheduler) Cancel(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[tag]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, tag)
}

// NextDeadline reports the earliest pending deadline, false when no alarm is
// armed.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.pending {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

// RunDue fires every alarm whose deadline is at or before the clock's
// current time. Callbacks run outside the scheduler lock so they may arm or
// cancel alarms themselves. Already-fired alarms never fire again.
func (s *Scheduler) RunDue() {
	now := s.clock.Now()

	for {
		s.mu.Lock()
		var due *oneShot
		for len(s.pending) > 0 && !s.pending[0].when.After(now) {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.cancelled {
				continue
			}
			delete(s.index, ev.tag)
			due = ev
			break
		}
		s.mu.Unlock()

		if due == nil {
			return
		}
		due.f()
	}
}
