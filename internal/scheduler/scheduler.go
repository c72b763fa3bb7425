// Package scheduler owns the timers of the admin client: debounced loads,
// the periodic background refresh and the session countdown. Every timer is
// a named task; arming a name cancels whatever was armed under it, and
// Close stops everything.
package scheduler

import (
	"sync"
	"time"
)

// Clock abstracts time so timer-driven code can be tested deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type task struct {
	gen   uint64
	timer Timer
}

// Scheduler runs named, cancellable tasks on a Clock.
type Scheduler struct {
	clock Clock

	mu       sync.Mutex
	tasks    map[string]*task
	periodic map[string]uint64
	gen      uint64
	closed   bool
}

// New creates a Scheduler. A nil clock means the wall clock.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{clock: clock, tasks: make(map[string]*task), periodic: make(map[string]uint64)}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// After runs fn once after d. Re-arming the same name cancels the previous
// task, and a superseded timer that already fired does nothing.
func (s *Scheduler) After(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked(name)
	s.armLocked(name, d, fn)
}

func (s *Scheduler) armLocked(name string, d time.Duration, fn func()) {
	s.gen++
	gen := s.gen
	t := &task{gen: gen}
	s.tasks[name] = t
	t.timer = s.clock.AfterFunc(d, func() {
		if !s.claim(name, gen) {
			return
		}
		fn()
	})
}

// Debounce is After under its usual name: bursts of calls within quiet
// collapse into one run of the last fn.
func (s *Scheduler) Debounce(name string, quiet time.Duration, fn func()) {
	s.After(name, quiet, fn)
}

// Every runs fn each interval until cancelled. The next run is armed after
// fn returns, so runs never overlap.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	s.gen++
	reg := s.gen
	s.periodic[name] = reg
	s.mu.Unlock()

	var tick func()
	tick = func() {
		fn()
		s.mu.Lock()
		_, rearmed := s.tasks[name]
		keep := !s.closed && !rearmed && s.periodic[name] == reg
		s.mu.Unlock()
		if keep {
			s.After(name, interval, tick)
		}
	}
	s.After(name, interval, tick)
}

// claim removes the task if gen is still current and reports whether the
// caller should run it.
func (s *Scheduler) claim(name string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok || t.gen != gen || s.closed {
		return false
	}
	delete(s.tasks, name)
	return true
}

// Cancel stops the named task. It reports whether one was pending.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.periodic, name)
	return s.stopLocked(name)
}

func (s *Scheduler) stopLocked(name string) bool {
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, name)
	return true
}

// Pending reports whether a task is armed under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// Close cancels every task. Later arming calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.tasks {
		s.stopLocked(name)
	}
	clear(s.periodic)
	s.closed = true
}
