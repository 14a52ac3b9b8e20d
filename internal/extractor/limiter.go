package extractor

import (
	"context"
	"sync"
	"time"
)

// State is the limiter's externally visible condition.
type State int

const (
	// StateAvailable means an acquisition would succeed now.
	StateAvailable State = iota
	// StateWaiting means the window is full and at least one caller is
	// blocked until the oldest stamp ages out.
	StateWaiting
	// StateExhausted means the window is full and nobody is waiting.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateWaiting:
		return "waiting"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Limiter admits at most limit acquisitions in any rolling window. It keeps
// a log of admission times rather than a refilling bucket, so bursts can
// never exceed the limit across a window boundary.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	stamps  []time.Time
	waiters int
	now     func() time.Time
}

func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// evict drops stamps that left the window. A stamp exactly window old
// still counts, so no closed interval of that length holds more than limit
// calls. Caller holds mu.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && l.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// reserve records an admission if there is room and otherwise reports how
// long until the oldest stamp expires. Caller holds mu.
func (l *Limiter) reserve() (bool, time.Duration) {
	now := l.now()
	l.evict(now)
	if len(l.stamps) < l.limit {
		l.stamps = append(l.stamps, now)
		return true, 0
	}
	return false, l.stamps[0].Add(l.window).Sub(now) + time.Nanosecond
}

// TryAcquire takes a slot without waiting.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _ := l.reserve()
	return ok
}

// Acquire takes a slot, waiting at most maxWait for one to free up. It
// returns ErrRateLimited when the wait would exceed maxWait and ctx.Err()
// when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)
	for {
		l.mu.Lock()
		ok, wait := l.reserve()
		if ok {
			l.mu.Unlock()
			return nil
		}
		if l.now().Add(wait).After(deadline) {
			l.mu.Unlock()
			return ErrRateLimited
		}
		l.waiters++
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.leave()
			return ctx.Err()
		case <-timer.C:
			l.leave()
		}
	}
}

func (l *Limiter) leave() {
	l.mu.Lock()
	l.waiters--
	l.mu.Unlock()
}

// State reports the current condition without consuming a slot.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	switch {
	case len(l.stamps) < l.limit:
		return StateAvailable
	case l.waiters > 0:
		return StateWaiting
	default:
		return StateExhausted
	}
}

// Used returns the number of admissions inside the current window.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.stamps)
}

func (l *Limiter) Limit() int { return l.limit }
