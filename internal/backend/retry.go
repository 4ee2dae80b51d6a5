package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/friendchat/internal/logger"
)

// RetryPolicy: ограниченный повтор временных ошибок с экспоненциальной паузой.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

func withRetry[T any](ctx context.Context, p RetryPolicy, op string, fn func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := fn()
		if err != nil && (permanent(err) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		logger.Errorf("backend %s failed, retry in %v: %v", op, next, err)
	}
	return backoff.RetryNotifyWithData(wrapped, p.backOff(ctx), notify)
}

func retryErr(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	_, err := withRetry(ctx, p, op, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}
