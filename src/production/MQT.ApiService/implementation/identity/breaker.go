package identity

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// circuitBreaker stops calls to the identity provider after repeated failures
// and lets a single trial request through once the cooldown has passed
type circuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	state        breakerState
	failureCount int
	lastFailTime time.Time
	now          func() time.Time
	mutex        sync.Mutex
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        stateClosed,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) canExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if cb.now().Sub(cb.lastFailTime) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	default:
		// one trial at a time while half-open
		return false
	}
}

func (cb *circuitBreaker) onSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount = 0
	cb.state = stateClosed
}

func (cb *circuitBreaker) onFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	if cb.state == stateHalfOpen || cb.failureCount >= cb.maxFailures {
		cb.state = stateOpen
	}
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}
