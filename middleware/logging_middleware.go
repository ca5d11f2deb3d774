package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vpp-ping/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Message) (message.Message, error) {
			start := time.Now()
			reply, err := next(ctx, req)

			ev := logger.Debug()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev = ev.Str("msg", req.GetMessageName()).Dur("duration", time.Since(start))
			if r, ok := reply.(message.Retvaler); ok {
				ev = ev.Int32("retval", r.GetRetval())
			}
			ev.Msg("request handled")
			return reply, err
		}
	}
}
