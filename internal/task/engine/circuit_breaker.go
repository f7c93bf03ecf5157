package engine

import (
	"strings"
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one task key.
//
// Success closes the circuit. Once failures reach the trip threshold the
// circuit opens for a cooldown that doubles with every further failure.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for key, creating it. Call with s.mu held.
func (s *circuitStore) getLocked(key string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[key]
	if st == nil {
		st = &circuitState{}
		s.m[key] = st
	}
	return st
}

func circuitTrip(cfg Config, opt TaskOptions) int {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return 0
	}
	if opt.CircuitTripFailures > 0 {
		return opt.CircuitTripFailures
	}
	return cfg.CircuitTripFailures
}

func (st *circuitState) maybeReset(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && resetAfter > 0 && now.Sub(st.lastFailure) > resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, key string, cfg Config, opt TaskOptions) (bool, time.Time) {
	key = strings.TrimSpace(key)
	if circuitTrip(cfg, opt) == 0 || key == "" {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.getLocked(key)
	st.maybeReset(now, cfg.CircuitResetAfter)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, key string, cfg Config, opt TaskOptions, err error) {
	key = strings.TrimSpace(key)
	trip := circuitTrip(cfg, opt)
	if trip == 0 || key == "" {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.getLocked(key)
	st.maybeReset(now, cfg.CircuitResetAfter)

	if err == nil {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < trip {
		return
	}

	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-trip; i++ {
		d *= 2
		if d >= cfg.CircuitMaxDelay {
			break
		}
	}
	if d > cfg.CircuitMaxDelay {
		d = cfg.CircuitMaxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *Service) circuitSnapshot(now time.Time) (total, open int) {
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
