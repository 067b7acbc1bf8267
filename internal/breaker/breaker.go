// Package breaker is the upstream rate-limit circuit breaker (spec
// §4.4 "Upstream rate-limit circuit breaker"): three rate-limit errors
// within 60s trips the circuit open; after a cooldown it half-opens and
// admits exactly one probing session before closing or re-opening.
//
// Grounded on the teacher's internal/proxy/chaos.go atomic
// enabled/disabled/preset state machine (closed/open/half-open mirrors
// that shape) and uses golang.org/x/time/rate to gate the half-open
// probe admission to exactly one caller per cooldown window.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// State is the breaker's lifecycle.
type State uint32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// Config bounds the breaker's trigger and cooldown (spec §4.4 defaults).
type Config struct {
	// ErrorThreshold is the count of rate-limit errors that trips the
	// circuit (default 3).
	ErrorThreshold int
	// ErrorWindow is the sliding window the threshold is counted over
	// (default 60s).
	ErrorWindow time.Duration
	// MinCooldown is the floor on how long the circuit stays open before
	// half-opening (default 60s; the effective cooldown is
	// max(MinCooldown, retryAfter) per spec §4.4).
	MinCooldown time.Duration
}

// DefaultConfig returns spec §4.4's named defaults.
func DefaultConfig() Config {
	return Config{ErrorThreshold: 3, ErrorWindow: 60 * time.Second, MinCooldown: 60 * time.Second}
}

// Breaker is a process-wide circuit breaker shared by every session's
// agent process spawns and egress.
type Breaker struct {
	cfg Config

	state atomic.Uint32

	mu         sync.Mutex
	errorTimes []time.Time
	cooldownAt time.Time // when the circuit may transition open -> half-open

	probe  *rate.Limiter // admits exactly one half-open probe per cooldown cycle
	onOpen func(retryAfter time.Duration)
}

// New constructs a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = 60 * time.Second
	}
	if cfg.MinCooldown <= 0 {
		cfg.MinCooldown = 60 * time.Second
	}
	return &Breaker{
		cfg:   cfg,
		probe: rate.NewLimiter(rate.Inf, 1),
	}
}

func (b *Breaker) State() State { return State(b.state.Load()) }

// SetOnOpen installs a callback fired every time the circuit transitions
// into the open state, so callers can broadcast spec §4.4's
// `ErrorEvent{code: RATE_LIMITED}` to active sessions. Install before
// the breaker sees any traffic; it is not safe to call concurrently
// with RecordRateLimitError.
func (b *Breaker) SetOnOpen(fn func(retryAfter time.Duration)) { b.onOpen = fn }

// RecordRateLimitError registers one rate-limit-classified result
// (spec §4.4). retryAfter, if non-zero, floors the cooldown.
func (b *Breaker) RecordRateLimitError(retryAfter time.Duration) {
	b.mu.Lock()

	now := time.Now()
	cutoff := now.Add(-b.cfg.ErrorWindow)
	kept := b.errorTimes[:0]
	for _, t := range b.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.errorTimes = kept

	if State(b.state.Load()) == StateHalfOpen {
		// A rate-limit error during the probe re-opens for the next
		// cooldown (spec §4.4).
		b.openLocked(now, retryAfter)
		b.mu.Unlock()
		b.notifyOpen(retryAfter)
		return
	}

	if len(b.errorTimes) >= b.cfg.ErrorThreshold {
		b.openLocked(now, retryAfter)
		b.mu.Unlock()
		b.notifyOpen(retryAfter)
		return
	}
	b.mu.Unlock()
}

func (b *Breaker) notifyOpen(retryAfter time.Duration) {
	if b.onOpen != nil {
		b.onOpen(retryAfter)
	}
}

func (b *Breaker) openLocked(now time.Time, retryAfter time.Duration) {
	cooldown := b.cfg.MinCooldown
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	b.cooldownAt = now.Add(cooldown)
	b.state.Store(uint32(StateOpen))
	b.errorTimes = b.errorTimes[:0]
}

// RecordSuccess registers a clean result. During half-open, this closes
// the circuit (spec §4.4).
func (b *Breaker) RecordSuccess() {
	if State(b.state.Load()) == StateHalfOpen {
		b.mu.Lock()
		b.state.Store(uint32(StateClosed))
		b.mu.Unlock()
	}
}

// AllowSpawn reports whether a new agent process spawn, or an egress
// send on an already-running session, may proceed right now. Open
// circuits queue (the caller is responsible for not starting); a
// half-open circuit admits exactly one caller via the probe limiter.
func (b *Breaker) AllowSpawn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().Before(b.cooldownAt) {
			return false
		}
		b.state.Store(uint32(StateHalfOpen))
		b.probe = rate.NewLimiter(rate.Every(b.cfg.MinCooldown), 1)
		return b.probe.Allow()
	case StateHalfOpen:
		return b.probe.Allow()
	default:
		return false
	}
}
