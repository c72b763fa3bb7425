// Package health tracks whether the admin API is reachable enough to be
// worth calling in the background.
package health

import (
	"fmt"
	"sync"
	"time"
)

// State is the connection health.
type State int

const (
	Healthy State = iota
	Degraded
	Offline
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultFailureThreshold = 3
	DefaultStaleAfter       = 5 * time.Minute
)

// Tracker derives a State from connectivity reports, consecutive failures
// and time since the last success.
type Tracker struct {
	now              func() time.Time
	failureThreshold int
	staleAfter       time.Duration

	mu          sync.Mutex
	online      bool
	failures    int
	lastSuccess time.Time
	lastError   error
}

// NewTracker starts healthy, with the success clock starting now. A nil now
// uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		now:              now,
		failureThreshold: DefaultFailureThreshold,
		staleAfter:       DefaultStaleAfter,
		online:           true,
		lastSuccess:      now(),
	}
}

// State reports the current health. Offline wins over Degraded.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case !t.online:
		return Offline
	case t.failures >= t.failureThreshold:
		return Degraded
	case t.now().Sub(t.lastSuccess) >= t.staleAfter:
		return Degraded
	default:
		return Healthy
	}
}

// RecordSuccess resets the failure counter and marks the network online.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	t.lastSuccess = t.now()
	t.lastError = nil
	t.online = true
}

// RecordFailure counts one failed request.
func (t *Tracker) RecordFailure(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastError = err
}

// SetOnline records a connectivity change.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
}

// Snapshot is a point-in-time view for display.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastError           error
}

func (t *Tracker) Snapshot() Snapshot {
	st := t.State()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		State:               st,
		ConsecutiveFailures: t.failures,
		LastSuccess:         t.lastSuccess,
		LastError:           t.lastError,
	}
}
