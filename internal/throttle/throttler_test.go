package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fixedClock lets tests advance throttler time deterministically.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time { return c.t }

func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestThrottler(cfg Config) (*Throttler, *fixedClock) {
	th := New(cfg)
	clock := &fixedClock{t: time.Unix(1_700_000_000, 0)}
	th.now = clock.now
	th.jitter = func() float64 { return 0 }
	return th, clock
}

func TestAcquireBurstBoundedByCapacity(t *testing.T) {
	t.Parallel()

	th, clock := newTestThrottler(Config{
		TokensPerSecond: 1,
		Capacity:        4,
		InitialBackoff:  time.Second,
		MaxBackoff:      time.Minute,
	})

	// A full bucket grants exactly capacity immediate tokens.
	for i := 0; i < 4; i++ {
		require.Zero(t, th.Acquire(), "token %d should be free", i)
	}
	wait := th.Acquire()
	require.Greater(t, wait, time.Duration(0), "bucket drained, wait expected")

	// Long idle refills to capacity but never beyond it.
	clock.advance(time.Hour)
	for i := 0; i < 4; i++ {
		require.Zero(t, th.Acquire(), "token %d should be free after refill", i)
	}
	require.Greater(t, th.Acquire(), time.Duration(0))
}

func TestAcquireNeverReturnsNegative(t *testing.T) {
	t.Parallel()

	th, _ := newTestThrottler(Config{
		TokensPerSecond: 10,
		Capacity:        2,
		InitialBackoff:  time.Second,
		MaxBackoff:      time.Minute,
	})
	th.jitter = func() float64 { return -1 } // worst-case jitter

	for i := 0; i < 20; i++ {
		require.GreaterOrEqual(t, th.Acquire(), time.Duration(0))
	}
}

func TestCooloffEscalation(t *testing.T) {
	t.Parallel()

	th, clock := newTestThrottler(Config{
		TokensPerSecond: 100,
		Capacity:        100,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      10 * time.Second,
	})

	th.ReportRateLimit()
	require.Equal(t, 2*time.Second, th.Acquire(), "cool-off should cover the pre-escalation backoff")
	require.Equal(t, 4*time.Second, th.CurrentBackoff())

	clock.advance(time.Second)
	require.Equal(t, time.Second, th.Acquire(), "remaining cool-off shrinks as time passes")

	// Repeated reports escalate geometrically up to the cap.
	th.ReportRateLimit()
	require.Equal(t, 8*time.Second, th.CurrentBackoff())
	th.ReportRateLimit()
	require.Equal(t, 10*time.Second, th.CurrentBackoff(), "backoff must cap at max")
}

func TestCooloffWaitIsJittered(t *testing.T) {
	t.Parallel()

	th, clock := newTestThrottler(Config{
		TokensPerSecond: 100,
		Capacity:        100,
		InitialBackoff:  10 * time.Second,
		MaxBackoff:      time.Minute,
	})
	th.jitter = func() float64 { return 1 } // worst-case spread

	th.ReportRateLimit()
	clock.advance(2 * time.Second)

	// 8s of cool-off remain; jitter widens the wait like any other.
	require.Equal(t, 8*time.Second+800*time.Millisecond, th.Acquire())
}

func TestServiceUnavailableUsesGentlerMultiplier(t *testing.T) {
	t.Parallel()

	th, _ := newTestThrottler(Config{
		TokensPerSecond: 100,
		Capacity:        100,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      time.Minute,
	})

	th.ReportServiceUnavailable()
	require.Equal(t, 3*time.Second, th.CurrentBackoff())
}

func TestCooloffExpiryResetsBackoff(t *testing.T) {
	t.Parallel()

	th, clock := newTestThrottler(Config{
		TokensPerSecond: 100,
		Capacity:        100,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      time.Minute,
	})

	th.ReportRateLimit()
	th.ReportRateLimit()
	require.True(t, th.InCooloff())

	clock.advance(time.Minute)
	require.False(t, th.InCooloff())
	require.Zero(t, th.Acquire(), "normal operation resumes after expiry")
	require.Equal(t, 2*time.Second, th.CurrentBackoff(), "backoff resets to baseline on expiry")
}

func TestSuccessDecaysBackoffTowardBaseline(t *testing.T) {
	t.Parallel()

	th, clock := newTestThrottler(Config{
		TokensPerSecond: 100,
		Capacity:        100,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      time.Minute,
	})

	th.ReportRateLimit()
	th.ReportRateLimit()
	elevated := th.CurrentBackoff()

	// Successes during cool-off must not decay anything.
	th.ReportSuccess()
	require.Equal(t, elevated, th.CurrentBackoff())

	clock.advance(time.Minute)
	// Force the backoff to stay elevated past expiry by reporting again,
	// then waiting it out without Acquire resetting it.
	th.ReportRateLimit()
	clock.advance(time.Minute)

	before := th.CurrentBackoff()
	for i := 0; i < 100; i++ {
		th.ReportSuccess()
	}
	require.Less(t, th.CurrentBackoff(), before)
	require.Equal(t, 2*time.Second, th.CurrentBackoff(), "decay floors at the initial baseline")
}

func TestJitterStaysWithinBounds(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		v := cryptoJitter()
		require.GreaterOrEqual(t, v, -1.0)
		require.Less(t, v, 1.0)
	}
}
