package middleware

import (
	"context"
	"log/slog"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/step"
)

// Timeout returns middleware that cancels the handler context after the
// step's timeout. A result produced after the deadline is replaced by a
// retryable failure carrying context.DeadlineExceeded; the executor turns
// it into a reclaim.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *step.Execution, next Handler) handler.Result {
		d := e.Timeout()
		if d <= 0 {
			return next(ctx)
		}
		logger.Debug("step timeout set",
			slog.String("step_exec_id", e.ID.String()),
			slog.Duration("timeout", d),
		)
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		res := next(ctx)
		if ctx.Err() == context.DeadlineExceeded {
			return handler.Retry(context.DeadlineExceeded)
		}
		return res
	}
}

// TimedOut reports whether res is the failure Timeout substitutes for a
// handler that overran its deadline.
func TimedOut(res handler.Result) bool {
	return res.Status == handler.StatusRetryable && res.ErrorDetail == context.DeadlineExceeded.Error()
}
