package middleware

import (
	"context"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"vpp-ping/message"
)

// RetryMiddleware retries requests that failed with a retryable error, backing
// off exponentially from baseDelay. retryable may be nil to use IsRetryable.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, retryable func(error) bool, logger zerolog.Logger) Middleware {
	if retryable == nil {
		retryable = IsRetryable
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Message) (message.Message, error) {
			reply, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !retryable(err) {
					return reply, err
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Info().Err(err).Int("attempt", i+1).Dur("backoff", delay).Str("msg", req.GetMessageName()).Msg("retrying request")

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return reply, err
				case <-timer.C:
				}
				reply, err = next(ctx, req)
			}
			return reply, err
		}
	}
}

// IsRetryable reports whether err is a timeout or a refused connection.
// Errors may opt in or out by implementing Retryable() bool.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
