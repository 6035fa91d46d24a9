package chunkstore

import (
	"context"
	"errors"
	"time"

	"github.com/Adithya-Monish-Kumar-K/edgesearch/pkg/resilience"
)

// Guarded puts a circuit breaker and a per-fetch deadline in front of a
// remote store. Missing keys and cancelled requests do not trip the
// breaker.
type Guarded struct {
	inner   Store
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

func NewGuarded(inner Store, name string, timeout time.Duration, onStateChange func(string, resilience.State)) *Guarded {
	return &Guarded{
		inner: inner,
		breaker: resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
			IsFailure:     countsAgainstBreaker,
			OnStateChange: onStateChange,
		}),
		timeout: timeout,
	}
}

func countsAgainstBreaker(err error) bool {
	return !IsNotFound(err) && !errors.Is(err, context.Canceled)
}

func (g *Guarded) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := g.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, g.timeout, "fetch "+key, func(ctx context.Context) error {
			d, err := g.inner.Get(ctx, key)
			data = d
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// State reports the breaker state.
func (g *Guarded) State() resilience.State { return g.breaker.GetState() }
