// Package middleware wraps binary API request handling in reusable layers.
//
// The same HandlerFunc shape serves both sides: the probe wraps its
// send-and-await step, the simulator wraps its message handlers.
package middleware

import (
	"context"

	"github.com/pkg/errors"

	"vpp-ping/message"
)

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// HandlerFunc handles one request and returns its reply.
type HandlerFunc func(ctx context.Context, req message.Message) (message.Message, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
// Chain(A, B, C)(h) == A(B(C(h))), so A sees the request first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
