package console

import (
	"sync"
	"time"
)

// Lockout tracks failed password attempts. After 3, 5 and 10 consecutive
// failures new connections are refused for 5s, 30s and 5m after the last
// failure.
type Lockout struct {
	mu       sync.Mutex
	failures int
	last     time.Time
	now      func() time.Time
}

func NewLockout(now func() time.Time) *Lockout {
	if now == nil {
		now = time.Now
	}
	return &Lockout{now: now}
}

// Window returns the lockout length for a failure count.
func Window(failures int) time.Duration {
	switch {
	case failures >= 10:
		return 5 * time.Minute
	case failures >= 5:
		return 30 * time.Second
	case failures >= 3:
		return 5 * time.Second
	default:
		return 0
	}
}

// Locked reports whether connections are refused and for how much longer.
func (l *Lockout) Locked() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := Window(l.failures)
	if w == 0 {
		return false, 0
	}
	remaining := w - l.now().Sub(l.last)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

func (l *Lockout) Failure() {
	l.mu.Lock()
	l.failures++
	l.last = l.now()
	l.mu.Unlock()
}

func (l *Lockout) Success() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

func (l *Lockout) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}
