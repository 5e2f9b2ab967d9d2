package app

import (
	"context"
	"log"
	"time"

	"github.com/donorhub/contribution-service/internal/provider"
)

// Retry budget for rate-limited provider calls made from task consumers. The
// message is nacked for redelivery once the budget is exhausted.
const (
	maxProviderAttempts = 5
	providerRetryBase   = 1 * time.Second
	providerRetryCap    = 30 * time.Second
)

// retryProvider runs fn, retrying with exponential backoff only when the
// provider reports rate limiting. Every other error returns immediately.
func retryProvider(ctx context.Context, op string, fn func() error) error {
	delay := providerRetryBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !provider.IsRateLimited(err) || attempt >= maxProviderAttempts {
			return err
		}
		log.Printf("level=warn component=tasks msg=\"provider rate limited; backing off\" op=%s attempt=%d delay=%s", op, attempt, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > providerRetryCap {
			delay = providerRetryCap
		}
	}
}
