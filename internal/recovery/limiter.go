package recovery

import (
	"fmt"
	"sync"
	"time"

	"sigilo/internal/domain"
)

// Rate limiter defaults: 5 failures inside a 60-second window trigger a
// 300-second lockout.
const (
	DefaultMaxFailures = 5
	DefaultWindow      = 60 * time.Second
	DefaultLockout     = 300 * time.Second
)

// Limiter tracks failed validation attempts per subject in a sliding
// window. Safe for concurrent use.
type Limiter struct {
	maxFailures int
	window      time.Duration
	lockout     time.Duration

	mu       sync.Mutex
	failures map[string][]time.Time
	lockedAt map[string]time.Time
}

// NewLimiter builds a limiter; zero arguments select the defaults.
func NewLimiter(maxFailures int, window, lockout time.Duration) *Limiter {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if lockout <= 0 {
		lockout = DefaultLockout
	}
	return &Limiter{
		maxFailures: maxFailures,
		window:      window,
		lockout:     lockout,
		failures:    make(map[string][]time.Time),
		lockedAt:    make(map[string]time.Time),
	}
}

// Check reports whether subject may attempt validation now. When locked
// out, wait is the remaining lockout duration.
func (l *Limiter) Check(subject string, now time.Time) (allowed bool, wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if at, ok := l.lockedAt[subject]; ok {
		remaining := l.lockout - now.Sub(at)
		if remaining > 0 {
			return false, remaining
		}
		delete(l.lockedAt, subject)
		delete(l.failures, subject)
	}
	return true, 0
}

// Allow is Check expressed as an error: a locked-out subject gets a
// rate-limit error carrying the remaining wait.
func (l *Limiter) Allow(subject string, now time.Time) error {
	if allowed, wait := l.Check(subject, now); !allowed {
		return fmt.Errorf("%w: retry in %s", domain.ErrRateLimited, wait.Round(time.Second))
	}
	return nil
}

// RecordFailure notes a failed attempt. Stale attempts outside the window
// are pruned before counting; crossing the threshold starts the lockout.
func (l *Limiter) RecordFailure(subject string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := l.failures[subject]
	cutoff := now.Add(-l.window)
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.failures[subject] = kept

	if len(kept) >= l.maxFailures {
		l.lockedAt[subject] = now
	}
}

// RecordSuccess clears the failure history for subject.
func (l *Limiter) RecordSuccess(subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, subject)
	delete(l.lockedAt, subject)
}
