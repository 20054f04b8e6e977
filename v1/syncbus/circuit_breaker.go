package syncbus

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker refuses calls to the
// underlying bus. Lock waiters fall back to polling when Subscribe fails.
var ErrCircuitOpen = stdErrors.New("baton: bus circuit open")

// BreakerState is the position of a CircuitBreakerBus.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreakerBus stops calling a failing broker for a cool-down period,
// so an outage costs lock releases and waiters one fast error instead of a
// transport timeout each. Publish and Subscribe share one failure count.
// Unsubscribe always reaches the underlying bus.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trying   bool
}

// NewCircuitBreaker wraps bus. The circuit opens after threshold consecutive
// failures and lets a single trial call through once cooldown has passed.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    slog.Default(),
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// State reports the current position, moving an expired open circuit to
// half-open.
func (cb *CircuitBreakerBus) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	return cb.state
}

// expire moves an open circuit whose cool-down elapsed to half-open.
// cb.mu must be held.
func (cb *CircuitBreakerBus) expire() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
	}
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire()
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if cb.trying {
			return false
		}
		cb.trying = true
		return true
	}
	return false
}

func (cb *CircuitBreakerBus) record(op string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasTrial := cb.trying
	cb.trying = false
	if err == nil {
		if cb.state != BreakerClosed {
			cb.logger.Info("baton: bus circuit closed", "op", op)
		}
		cb.state = BreakerClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if wasTrial || cb.failures >= cb.threshold {
		if cb.state != BreakerOpen {
			cb.logger.Warn("baton: bus circuit opened", "op", op, "failures", cb.failures, "error", err)
		}
		cb.state = BreakerOpen
		cb.openedAt = cb.now()
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, topic, payload)
	cb.record("publish", transportErr(ctx, err))
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, topic)
	cb.record("subscribe", transportErr(ctx, err))
	return ch, err
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}

// transportErr drops failures caused by the caller's own context, which say
// nothing about the broker.
func transportErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && stdErrors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
