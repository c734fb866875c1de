package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatrt/internal/domain"
)

// Default circuit breaker settings, matching the teacher's LLM provider
// breaker defaults in spirit.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures a SendBreaker.
type CircuitBreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

// SendBreaker wraps an adapter's outbound Send* path with a circuit
// breaker, grounded on the teacher's CircuitBreakerProvider
// (internal/adapter/llm/circuitbreaker.go): once its own count of
// consecutive send failures reaches MaxFailures, calls fail fast instead of
// reaching the (likely still-failing) transport. It does not consult
// HealthMonitor or AlertManager.
type SendBreaker struct {
	breaker *gobreaker.CircuitBreaker[domain.Message]
}

// NewSendBreaker returns a SendBreaker named for platform/op, logging
// state transitions via logger. Zero-valued cfg fields fall back to
// defaults.
func NewSendBreaker(platform domain.Platform, op string, cfg CircuitBreakerConfig, logger *slog.Logger) *SendBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := string(platform) + ":" + op
	cb := gobreaker.NewCircuitBreaker[domain.Message](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("adapter circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &SendBreaker{breaker: cb}
}

// Execute runs send through the breaker, translating an open-circuit
// rejection into a transport-category DomainError so callers don't need
// to special-case gobreaker's sentinel errors.
func (s *SendBreaker) Execute(ctx context.Context, op string, send func(ctx context.Context) (domain.Message, error)) (domain.Message, error) {
	msg, err := s.breaker.Execute(func() (domain.Message, error) {
		return send(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.Message{}, domain.NewDomainError(op, domain.ErrTransport, fmt.Sprintf("circuit open: %s", err))
		}
		return domain.Message{}, err
	}
	return msg, nil
}

// State returns the breaker's current state, useful for a health
// snapshot or diagnostic endpoint.
func (s *SendBreaker) State() gobreaker.State {
	return s.breaker.State()
}
