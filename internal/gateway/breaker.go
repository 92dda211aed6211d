package gateway

import (
	"sync"
	"time"
)

// BreakerMode is the current fault-tracking state of one provider circuit.
type BreakerMode string

const (
	BreakerClosed   BreakerMode = "closed"
	BreakerOpen     BreakerMode = "open"
	BreakerHalfOpen BreakerMode = "half_open"
)

// BreakerStatus is an operator-visible snapshot of one provider's circuit.
type BreakerStatus struct {
	Provider     string      `json:"provider"`
	Mode         BreakerMode `json:"mode"`
	FailureCount int         `json:"failure_count"`
	OpenUntil    *time.Time  `json:"open_until,omitempty"`
}

// breaker tracks consecutive failures for one provider. All mutations
// happen under the owning BreakerSet's lock.
type breaker struct {
	mode      BreakerMode
	failures  int
	openUntil time.Time
	// trialInFlight serializes the single half-open probe: while one trial
	// call is out, further calls are rejected.
	trialInFlight bool
}

// BreakerSet owns all per-provider circuit state for the process. State is
// created lazily on first call to a provider and accessed only through
// synchronized methods — never as ambient global mutable state.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	threshold int
	cooldown  time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewBreakerSet creates a breaker set. threshold is the consecutive-failure
// count that opens a circuit; cooldown is how long an open circuit rejects
// calls before allowing a half-open trial.
func NewBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (s *BreakerSet) get(provider string) *breaker {
	b, ok := s.breakers[provider]
	if !ok {
		b = &breaker{mode: BreakerClosed}
		s.breakers[provider] = b
	}
	return b
}

// Allow reports whether a call to provider may proceed. Returns
// ErrCircuitOpen while the circuit is open (or a half-open trial is already
// in flight); transitions open → half_open once the cooldown elapses.
func (s *BreakerSet) Allow(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(provider)
	switch b.mode {
	case BreakerOpen:
		if s.now().Before(b.openUntil) {
			return ErrCircuitOpen
		}
		b.mode = BreakerHalfOpen
		b.openUntil = time.Time{}
		b.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call: the circuit closes and the failure
// count resets regardless of prior mode.
func (s *BreakerSet) Success(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(provider)
	b.mode = BreakerClosed
	b.failures = 0
	b.openUntil = time.Time{}
	b.trialInFlight = false
}

// Failure records a failed call. A failed half-open trial re-opens the
// circuit immediately; in closed mode, reaching the threshold opens it and
// starts the cooldown.
func (s *BreakerSet) Failure(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(provider)
	b.failures++
	if b.mode == BreakerHalfOpen || b.failures >= s.threshold {
		b.mode = BreakerOpen
		b.openUntil = s.now().Add(s.cooldown)
	}
	b.trialInFlight = false
}

// Reset forces a named provider's circuit back to closed with a zero
// failure count, bypassing the cooldown. Used by operators once an external
// outage is known to be resolved.
func (s *BreakerSet) Reset(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(provider)
	b.mode = BreakerClosed
	b.failures = 0
	b.openUntil = time.Time{}
	b.trialInFlight = false
}

// ResetAll resets every tracked circuit.
func (s *BreakerSet) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.breakers {
		b.mode = BreakerClosed
		b.failures = 0
		b.openUntil = time.Time{}
		b.trialInFlight = false
	}
}

// Snapshot returns the current state of every tracked circuit, keyed by
// provider name.
func (s *BreakerSet) Snapshot() map[string]BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]BreakerStatus, len(s.breakers))
	for name, b := range s.breakers {
		st := BreakerStatus{
			Provider:     name,
			Mode:         b.mode,
			FailureCount: b.failures,
		}
		if b.mode == BreakerOpen {
			until := b.openUntil
			st.OpenUntil = &until
		}
		out[name] = st
	}
	return out
}
