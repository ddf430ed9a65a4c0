package audit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// CircuitState is the breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker sheds store calls while the store is down. Consecutive
// failures open the circuit; after the cooldown one probe call is let
// through, and its outcome closes or re-opens the circuit. Shed calls fail
// fast with StoreUnavailable so queue jobs stay queued and retry later.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	logger    *zap.Logger
}

// NewCircuitBreaker creates a closed breaker. threshold is the number of
// consecutive failures that opens it.
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *zap.Logger) *CircuitBreaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:     CircuitClosed,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

// State returns the current breaker position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn unless the circuit is open and still cooling down.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return errors.NewStoreUnavailableError(nil)
		}
		cb.state = CircuitHalfOpen
		cb.logger.Info("circuit breaker probing", zap.Duration("cooldown", cb.cooldown))
	case CircuitHalfOpen:
		// One probe at a time; concurrent callers fail fast.
		cb.mu.Unlock()
		return errors.NewStoreUnavailableError(nil)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
			if cb.state != CircuitOpen {
				cb.logger.Error("circuit breaker opened",
					zap.Int("consecutive_failures", cb.failures),
					zap.Error(err))
			}
			cb.state = CircuitOpen
			cb.openedAt = time.Now()
		}
		return err
	}

	if cb.state != CircuitClosed {
		cb.logger.Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
	return nil
}
