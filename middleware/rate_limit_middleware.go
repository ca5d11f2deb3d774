package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"vpp-ping/message"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Requests beyond the bucket are rejected with ErrRateLimited, not delayed.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Message) (message.Message, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
