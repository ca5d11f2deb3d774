package middleware

import (
	"context"
	"time"

	"vpp-ping/message"
)

type handlerResult struct {
	reply message.Message
	err   error
}

// TimeoutMiddleware bounds a request by d. The inner handler gets a context
// that expires at the same time and should stop on it.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Message) (message.Message, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan handlerResult, 1)
			go func() {
				reply, err := next(ctx, req)
				done <- handlerResult{reply, err}
			}()

			select {
			case res := <-done:
				return res.reply, res.err
			case <-ctx.Done():
				return nil, ErrTimeout
			}
		}
	}
}
