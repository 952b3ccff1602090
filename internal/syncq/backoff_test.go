package syncq

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedBackoff(base, cap, jitter time.Duration, r float64) *Backoff {
	b := NewBackoff(base, cap, jitter)
	b.rand = func() float64 { return r }
	return b
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := fixedBackoff(time.Second, 5*time.Minute, 0, 0)

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, b.DelayFor(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	low := fixedBackoff(time.Second, 5*time.Minute, 500*time.Millisecond, 0)
	high := fixedBackoff(time.Second, 5*time.Minute, 500*time.Millisecond, 0.999)

	require.Equal(t, time.Second, low.DelayFor(1))
	d := high.DelayFor(1)
	require.Greater(t, d, time.Second)
	require.Less(t, d, 1500*time.Millisecond+time.Millisecond)
}

func TestBackoffZeroAttemptsTreatedAsFirst(t *testing.T) {
	b := fixedBackoff(time.Second, 5*time.Minute, 0, 0)
	require.Equal(t, time.Second, b.DelayFor(0))
}

func TestRetryAfterOnlyExtends(t *testing.T) {
	b := fixedBackoff(time.Second, 5*time.Minute, 0, 0)

	// Server asks for longer than computed: server wins.
	require.Equal(t, 30*time.Second, b.DelayWithRetryAfter(1, 30*time.Second))
	// Server asks for shorter: computed wins.
	require.Equal(t, 4*time.Second, b.DelayWithRetryAfter(3, time.Second))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	h := http.Header{}
	require.Equal(t, time.Duration(0), ParseRetryAfter(h, now))

	h.Set("Retry-After", "17")
	require.Equal(t, 17*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", "-5")
	require.Equal(t, time.Duration(0), ParseRetryAfter(h, now))

	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	require.Equal(t, 90*time.Second, ParseRetryAfter(h, now))

	h.Set("Retry-After", "not-a-date")
	require.Equal(t, time.Duration(0), ParseRetryAfter(h, now))
}
