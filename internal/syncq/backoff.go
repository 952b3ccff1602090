package syncq

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff computes retry delays: min(cap, base·2^(attempt-1)) plus uniform
// jitter. A server Retry-After can only push the delay later, never earlier.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
	// rand returns a value in [0, 1); replaceable for deterministic tests.
	rand func() float64
}

func NewBackoff(base, cap, jitter time.Duration) *Backoff {
	return &Backoff{Base: base, Cap: cap, Jitter: jitter, rand: rand.Float64}
}

// DelayFor returns the wait before attempt n+1 after n failed attempts.
func (b *Backoff) DelayFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.Jitter > 0 {
		d += time.Duration(b.rand() * float64(b.Jitter))
	}
	return d
}

// DelayWithRetryAfter folds a server-provided Retry-After into the computed
// delay, taking the larger of the two.
func (b *Backoff) DelayWithRetryAfter(attempts int, retryAfter time.Duration) time.Duration {
	d := b.DelayFor(attempts)
	if retryAfter > d {
		return retryAfter
	}
	return d
}

// ParseRetryAfter reads a Retry-After header value: either delta-seconds or
// an HTTP-date. Returns 0 when absent or unparseable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
