package circuitbreaker

import (
	"context"

	"github.com/tourvista/adboard/internal/worker"
)

// ProtectedSender wraps a notification transport with a breaker. A rejected
// send returns ErrCircuitOpen without touching the transport; the dispatch
// loop records it like any other failure and the request stays pending.
type ProtectedSender struct {
	next    worker.Sender
	breaker *CircuitBreaker
}

// NewProtectedSender wraps next with cb.
func NewProtectedSender(next worker.Sender, cb *CircuitBreaker) *ProtectedSender {
	return &ProtectedSender{next: next, breaker: cb}
}

func (p *ProtectedSender) Send(ctx context.Context, msg worker.Email) error {
	if !p.breaker.Allow() {
		return ErrCircuitOpen
	}

	if err := p.next.Send(ctx, msg); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Stats exposes the underlying breaker snapshot for the health endpoint.
func (p *ProtectedSender) Stats() Stats {
	return p.breaker.Stats()
}
