// Package throttle implements the adaptive request throttler: a token
// bucket for steady-state politeness plus a cool-off state entered on
// server-signaled overload.
package throttle

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// jitterFactor is the symmetric fraction applied to every computed wait
// so concurrent workers do not wake in lockstep.
const jitterFactor = 0.1

// decayFactor shrinks the running backoff on each success outside cool-off.
const decayFactor = 0.9

// Config tunes the throttler.
type Config struct {
	TokensPerSecond float64
	Capacity        int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Throttler combines a token bucket with an escalating/decaying cool-off.
//
// Normal state is governed purely by the bucket. A rate-limit or
// service-unavailable report switches to cool-off: Acquire then returns
// the remaining cool-off time and the next cool-off grows geometrically,
// bounded by MaxBackoff. Successes outside cool-off decay the backoff
// back toward (never below) the initial baseline.
type Throttler struct {
	mu sync.Mutex

	bucket *rate.Limiter

	initialBackoff time.Duration
	maxBackoff     time.Duration
	currentBackoff time.Duration
	cooloffUntil   time.Time

	now    func() time.Time
	jitter func() float64
}

// New builds a Throttler from config.
func New(cfg Config) *Throttler {
	if cfg.TokensPerSecond <= 0 {
		cfg.TokensPerSecond = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Throttler{
		bucket:         rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.Capacity),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		currentBackoff: cfg.InitialBackoff,
		now:            time.Now,
		jitter:         cryptoJitter,
	}
}

// Acquire returns how long the caller must wait before issuing a request.
// Zero means a token was immediately available.
func (t *Throttler) Acquire() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.cooloffUntil.IsZero() {
		if now.Before(t.cooloffUntil) {
			return t.withJitter(t.cooloffUntil.Sub(now))
		}
		// Cool-off expired: back to normal at baseline speed.
		t.cooloffUntil = time.Time{}
		t.currentBackoff = t.initialBackoff
	}

	wait := t.bucket.ReserveN(now, 1).DelayFrom(now)
	if wait <= 0 {
		return 0
	}
	return t.withJitter(wait)
}

// ReportRateLimit records a 429; the next cool-off doubles.
func (t *Throttler) ReportRateLimit() {
	t.enterCooloff(2.0)
}

// ReportServiceUnavailable records a 5xx overload signal; the next
// cool-off grows by half.
func (t *Throttler) ReportServiceUnavailable() {
	t.enterCooloff(1.5)
}

// ReportSuccess shrinks the running backoff toward baseline. Successes
// reported while a cool-off is still pending are ignored.
func (t *Throttler) ReportSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.now().Before(t.cooloffUntil) {
		return
	}
	if t.currentBackoff > t.initialBackoff {
		decayed := time.Duration(float64(t.currentBackoff) * decayFactor)
		if decayed < t.initialBackoff {
			decayed = t.initialBackoff
		}
		t.currentBackoff = decayed
	}
}

// CurrentBackoff exposes the running cool-off duration for logging.
func (t *Throttler) CurrentBackoff() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBackoff
}

// InCooloff reports whether a cool-off is currently pending.
func (t *Throttler) InCooloff() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Before(t.cooloffUntil)
}

func (t *Throttler) enterCooloff(multiplier float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cooloffUntil = t.now().Add(t.currentBackoff)
	next := time.Duration(float64(t.currentBackoff) * multiplier)
	if next > t.maxBackoff {
		next = t.maxBackoff
	}
	t.currentBackoff = next
}

func (t *Throttler) withJitter(wait time.Duration) time.Duration {
	jittered := time.Duration(float64(wait) * (1 + jitterFactor*t.jitter()))
	if jittered < 0 {
		return 0
	}
	return jittered
}

// cryptoJitter returns a value in [-1, 1).
func cryptoJitter() float64 {
	const resolution = 1 << 20
	n, err := rand.Int(rand.Reader, big.NewInt(resolution))
	if err != nil {
		return 0
	}
	return 2*float64(n.Int64())/resolution - 1
}
