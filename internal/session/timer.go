package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/Zachkp/zach-consulting/internal/scheduler"
)

// State is the session timer's state.
type State int

const (
	Unauthenticated State = iota
	Active
	WarnPending
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Active:
		return "active"
	case WarnPending:
		return "warn-pending"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultTimeout = 10 * time.Minute
	DefaultWarning = 2 * time.Minute
)

// taskName is the single scheduler task the timer owns.
const taskName = "session"

// Callbacks are invoked outside the timer's lock. Any may be nil.
type Callbacks struct {
	// OnWarn fires on entering WarnPending with the time left.
	OnWarn func(remaining time.Duration)
	// OnExpire fires once per inactivity expiry, before the timer returns
	// to Unauthenticated.
	OnExpire func()
	// OnChange fires on every state change.
	OnChange func(from, to State)
}

// Timer logs the user out after a period without activity, warning them
// shortly before.
type Timer struct {
	sched   *scheduler.Scheduler
	timeout time.Duration
	warning time.Duration
	cb      Callbacks

	mu           sync.Mutex
	state        State
	lastActivity time.Time
}

// NewTimer creates a timer in Unauthenticated. warning must be shorter
// than timeout; zero values take the defaults.
func NewTimer(sched *scheduler.Scheduler, timeout, warning time.Duration, cb Callbacks) (*Timer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if warning <= 0 {
		warning = DefaultWarning
	}
	if warning >= timeout {
		return nil, fmt.Errorf("session warning %s must be shorter than timeout %s", warning, timeout)
	}
	return &Timer{sched: sched, timeout: timeout, warning: warning, cb: cb}, nil
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastActivity returns the time of the last tracked interaction.
func (t *Timer) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// Remaining returns the time until expiry, or zero when not authenticated.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Active && t.state != WarnPending {
		return 0
	}
	left := t.timeout - t.sched.Clock().Now().Sub(t.lastActivity)
	return max(left, 0)
}

// Start begins an authenticated session.
func (t *Timer) Start() {
	t.activate(true)
}

// Touch records a tracked interaction. It has no effect unless a session
// is running.
func (t *Timer) Touch() {
	t.activate(false)
}

// Extend answers the expiry warning. It behaves like Touch.
func (t *Timer) Extend() {
	t.activate(false)
}

func (t *Timer) activate(start bool) {
	t.mu.Lock()
	from := t.state
	if !start && from != Active && from != WarnPending {
		t.mu.Unlock()
		return
	}
	t.state = Active
	t.lastActivity = t.sched.Clock().Now()
	t.sched.After(taskName, t.timeout-t.warning, t.warn)
	t.mu.Unlock()

	t.changed(from, Active)
}

func (t *Timer) warn() {
	t.mu.Lock()
	if t.state != Active {
		t.mu.Unlock()
		return
	}
	t.state = WarnPending
	t.sched.After(taskName, t.warning, t.expire)
	t.mu.Unlock()

	t.changed(Active, WarnPending)
	if t.cb.OnWarn != nil {
		t.cb.OnWarn(t.warning)
	}
}

func (t *Timer) expire() {
	t.mu.Lock()
	if t.state != WarnPending {
		t.mu.Unlock()
		return
	}
	t.state = Expired
	t.mu.Unlock()

	t.changed(WarnPending, Expired)
	if t.cb.OnExpire != nil {
		t.cb.OnExpire()
	}

	t.mu.Lock()
	if t.state != Expired {
		t.mu.Unlock()
		return
	}
	t.state = Unauthenticated
	t.mu.Unlock()
	t.changed(Expired, Unauthenticated)
}

// Logout ends the session without firing OnExpire.
func (t *Timer) Logout() {
	t.mu.Lock()
	from := t.state
	t.state = Unauthenticated
	t.sched.Cancel(taskName)
	t.mu.Unlock()

	t.changed(from, Unauthenticated)
}

func (t *Timer) changed(from, to State) {
	if from != to && t.cb.OnChange != nil {
		t.cb.OnChange(from, to)
	}
}
