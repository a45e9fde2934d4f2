package emailer

import (
	"log"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState int

const (
	// StateClosed lets all requests through.
	StateClosed BreakerState = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a single probe through to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type sample struct {
	at time.Time
	ok bool
}

// Breaker is a rolling-window circuit breaker. It opens when the
// failure rate inside the window crosses the threshold with enough
// samples to mean something, cools down, then admits one probe. A
// successful probe closes the circuit; a failed one restarts the
// cooldown.
type Breaker struct {
	window     time.Duration
	threshold  float64
	minSamples int
	cooldown   time.Duration

	mu       sync.Mutex
	state    BreakerState
	openedAt time.Time
	probing  bool
	samples  []sample

	now func() time.Time
}

// NewBreaker creates a breaker. Zero arguments fall back to a 10s
// window, 50% threshold, 10 minimum samples and a 30s cooldown.
func NewBreaker(window time.Duration, threshold float64, minSamples int, cooldown time.Duration) *Breaker {
	if window <= 0 {
		window = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		window:     window,
		threshold:  threshold,
		minSamples: minSamples,
		cooldown:   cooldown,
		state:      StateClosed,
		now:        time.Now,
	}
}

// Allow reports whether a request may proceed right now. In half-open
// only one in-flight probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(StateHalfOpen)
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// Record feeds one request outcome into the window. Permanent
// rejections count as ok here: the service answered, it just refused
// the payload.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if ok {
			b.samples = b.samples[:0]
			b.transition(StateClosed)
		} else {
			b.openedAt = now
			b.transition(StateOpen)
		}
		return
	case StateOpen:
		// A straggler from before the circuit opened; nothing to do.
		return
	}

	b.samples = append(b.samples, sample{at: now, ok: ok})
	b.prune(now)

	total := len(b.samples)
	if total < b.minSamples {
		return
	}
	failed := 0
	for _, s := range b.samples {
		if !s.ok {
			failed++
		}
	}
	if float64(failed)/float64(total) >= b.threshold {
		b.openedAt = now
		b.transition(StateOpen)
	}
}

// State returns the breaker's current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	log.Printf("[Breaker] %s -> %s", b.state, to)
	b.state = to
}

// prune drops samples that slid out of the rolling window.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	keep := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	b.samples = keep
}
