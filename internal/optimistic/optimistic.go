// Package optimistic applies a local change before the remote write
// completes and restores the prior value if the write fails.
package optimistic

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a value that is replaced as a whole, never partially.
type State[S any] struct {
	clone func(S) S

	mu    sync.Mutex
	value S
}

// NewState wraps initial. clone must return a copy that shares no mutable
// memory with its argument.
func NewState[S any](initial S, clone func(S) S) *State[S] {
	return &State[S]{clone: clone, value: initial}
}

// Get returns a copy of the current value.
func (s *State[S]) Get() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clone(s.value)
}

// Set replaces the value.
func (s *State[S]) Set(v S) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
}

// Update replaces the value with fn applied to a copy of it.
func (s *State[S]) Update(fn func(S) S) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = fn(s.clone(s.value))
}

// Error reports a failed commit. The state has already been rolled back.
type Error struct {
	err     error
	timeout bool
}

func (e *Error) Error() string {
	if e.timeout {
		return "request timed out: changes may not have been saved"
	}
	return "update failed, changes reverted: " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// Timeout reports whether the commit hit its deadline, in which case the
// remote outcome is unknown.
func (e *Error) Timeout() bool { return e.timeout }

// Apply snapshots st, applies mutate, then runs commit under timeout. If
// commit fails the snapshot is restored in a single replacement and an
// *Error is returned.
func Apply[S any](ctx context.Context, st *State[S], timeout time.Duration, mutate func(S) S, commit func(ctx context.Context) error) error {
	st.mu.Lock()
	snapshot := st.clone(st.value)
	st.value = mutate(st.clone(st.value))
	st.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := commit(cctx)
	if err == nil {
		return nil
	}

	st.Set(snapshot)
	return &Error{
		err:     err,
		timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded),
	}
}
