package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"vpp-ping/message"
	"vpp-ping/metrics"
)

// MetricsMiddleware counts requests and observes their latency. side labels
// the series, e.g. "client" or "server".
func MetricsMiddleware(m *metrics.Metrics, side string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req message.Message) (message.Message, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			m.RequestDuration.WithLabelValues(req.GetMessageName(), side).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(req.GetMessageName(), side, outcomeOf(reply, err)).Inc()
			return reply, err
		}
	}
}

func outcomeOf(reply message.Message, err error) string {
	if err != nil {
		var te interface{ Timeout() bool }
		if errors.Is(err, ErrTimeout) || (errors.As(err, &te) && te.Timeout()) {
			return metrics.OutcomeTimeout
		}
		return metrics.OutcomeError
	}
	if r, ok := reply.(message.Retvaler); ok && r.GetRetval() != 0 {
		return metrics.OutcomeError
	}
	return metrics.OutcomeReply
}
