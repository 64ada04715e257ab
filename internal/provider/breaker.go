package provider

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

type breakerInvoker struct {
	inner Invoker
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker wraps a network invoker in a circuit breaker. An open
// breaker fails the invocation immediately; the dispatcher records the
// failure like any other, so the breaker never changes the dispatch
// contract, only how fast a dead backend fails.
func WithBreaker(name string, inner Invoker) Invoker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &breakerInvoker{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *breakerInvoker) Invoke(ctx context.Context, query string, maxTokens int, temperature float64) (*Result, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Invoke(ctx, query, maxTokens, temperature)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Result), nil
}
