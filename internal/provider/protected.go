package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/velora/herald/internal/circuitbreaker"
)

// Protected wraps a Provider with a CircuitBreaker. When a vendor starts
// failing, the circuit opens and sends fail fast into the retry path instead
// of piling up on a dead service.
type Protected struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// Protect wraps a provider with circuit breaker protection.
func Protect(p Provider, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{
		provider: p,
		breaker:  breaker,
		logger:   logger,
	}
}

func (p *Protected) Name() string       { return p.provider.Name() }
func (p *Protected) Channel() string    { return p.provider.Channel() }
func (p *Protected) MaxBodyLength() int { return p.provider.MaxBodyLength() }

// Send attempts the send through the circuit breaker. An open circuit fails
// immediately with ErrCircuitOpen.
func (p *Protected) Send(ctx context.Context, recipientAddress string, content Content) (*Result, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("channel", p.provider.Channel()),
			zap.String("notification_id", content.NotificationID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s provider unavailable", circuitbreaker.ErrCircuitOpen, p.provider.Name())
	}

	result, err := p.provider.Send(ctx, recipientAddress, content)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}
