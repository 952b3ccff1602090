package syncq

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker is a rolling-window circuit breaker guarding the remote API.
// Failures within the window trip it open; after the cooldown a single
// probe is admitted, and its outcome decides between closed and open again.
type Breaker struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	window    time.Duration
	threshold int
	cooldown  time.Duration
	log       *zap.Logger

	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool

	onState func(from, to BreakerState)
}

func NewBreaker(clk clock.PassiveClock, window time.Duration, threshold int, cooldown time.Duration, log *zap.Logger) *Breaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		clock:     clk,
		window:    window,
		threshold: threshold,
		cooldown:  cooldown,
		log:       log,
		state:     BreakerClosed,
	}
}

// OnStateChange registers a hook fired (outside the lock) on transitions.
func (b *Breaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

// Allow reports whether a dispatch may proceed. In half-open at most one
// probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.clock.Now()
	var fired func()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false
		}
		fired = b.transitionLocked(BreakerHalfOpen)
		b.probing = true
		b.mu.Unlock()
		if fired != nil {
			fired()
		}
		return true
	case BreakerHalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()
	return false
}

// RecordSuccess closes the breaker after a successful probe. The failure
// window is cleared only on that transition; while closed, successes leave
// the rolling window alone so interleaved failures still count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var fired func()
	b.probing = false
	if b.state != BreakerClosed {
		fired = b.transitionLocked(BreakerClosed)
		b.failures = b.failures[:0]
	}
	b.mu.Unlock()
	if fired != nil {
		fired()
	}
}

// RecordNeutral reports an attempt that finished without saying anything
// about server health (throttled, conflicted, rejected as invalid). It
// frees the half-open probe slot so the next Allow admits another probe.
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// RecordFailure counts a qualifying failure. A half-open probe failure
// reopens immediately; in closed, crossing the threshold within the window
// trips the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.clock.Now()
	var fired func()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.openedAt = now
		fired = b.transitionLocked(BreakerOpen)
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.threshold {
			b.openedAt = now
			fired = b.transitionLocked(BreakerOpen)
			b.failures = b.failures[:0]
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
	b.mu.Unlock()
	if fired != nil {
		fired()
	}
}

// State returns the current state, resolving an elapsed cooldown to
// half_open for observability.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// RetryAt reports when the next probe will be admitted while open.
func (b *Breaker) RetryAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return time.Time{}, false
	}
	return b.openedAt.Add(b.cooldown), true
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to BreakerState) func() {
	from := b.state
	b.state = to
	b.log.Info("circuit breaker state change",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if b.onState == nil {
		return nil
	}
	hook := b.onState
	return func() { hook(from, to) }
}
