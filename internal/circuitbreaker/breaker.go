// Package circuitbreaker gates repeated calls to failing backend capacity
// classes. Keys are arbitrary strings (e.g. "batch-pool:spot"); after
// threshold consecutive failures the key opens and calls are rejected until
// the cooldown passes, when a single half-open probe is allowed through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type keyState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}
