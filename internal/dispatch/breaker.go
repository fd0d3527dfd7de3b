package dispatch

import (
	"errors"
	"sync"
	"time"

	"duewatch/internal/channel"
	"duewatch/internal/domain"
)

// CircuitConfig configures the per-channel consecutive-failure breaker.
// TripFailures < 0 disables it; 0 means the default.
type CircuitConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

// circuitState tracks consecutive failures for a single channel.
//
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(c CircuitConfig) circuitCfg {
	trip := c.TripFailures
	if trip == 0 {
		trip = 5
	}
	if trip < 0 {
		return circuitCfg{enabled: false}
	}
	base := c.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	maxD := c.MaxDelay
	if maxD <= 0 {
		maxD = 2 * time.Minute
	}
	reset := c.ResetAfter
	if reset <= 0 {
		reset = 5 * time.Minute
	}
	return circuitCfg{trip: trip, baseDelay: base, maxDelay: maxD, resetAfter: reset, enabled: true}
}

type breakers struct {
	mu sync.Mutex
	m  map[domain.Channel]*circuitState
}

func (b *breakers) state(ch domain.Channel) *circuitState {
	if b.m == nil {
		b.m = make(map[domain.Channel]*circuitState)
	}
	st := b.m[ch]
	if st == nil {
		st = &circuitState{}
		b.m[ch] = st
	}
	return st
}

func (st *circuitState) maybeReset(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// open reports whether sends on ch should fail fast at now.
func (b *breakers) open(now time.Time, ch domain.Channel, c CircuitConfig) (bool, time.Time) {
	cc := effectiveCircuitCfg(c)
	if !cc.enabled {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(ch)
	st.maybeReset(now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// providerFault reports whether err says something about the channel
// provider itself. Permanent rejections and missing addresses belong to one
// recipient and must not trip the breaker for every other tenant.
func providerFault(err error) bool {
	switch {
	case err == nil:
		return false
	case channel.IsNoRetry(err),
		errors.Is(err, channel.ErrNoRecipient),
		errors.Is(err, channel.ErrNotSupported),
		errors.Is(err, channel.ErrCircuitOpen):
		return false
	}
	return true
}

func (b *breakers) record(now time.Time, ch domain.Channel, c CircuitConfig, err error) {
	cc := effectiveCircuitCfg(c)
	if !cc.enabled {
		return
	}
	if err != nil && !providerFault(err) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.state(ch)
	st.maybeReset(now, cc)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	// Exponential cooldown after tripping.
	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			d = cc.maxDelay
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

// snapshot returns the channels whose circuit is open at now.
func (b *breakers) snapshot(now time.Time) map[domain.Channel]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[domain.Channel]time.Time{}
	for ch, st := range b.m {
		if st != nil && !st.openUntil.IsZero() && now.Before(st.openUntil) {
			out[ch] = st.openUntil
		}
	}
	return out
}
