package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/step"
)

// Recover returns middleware that turns a handler panic into a fatal
// result, logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *step.Execution, next Handler) (res handler.Result) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("step handler panicked",
					slog.String("step_id", e.StepID),
					slog.String("step_exec_id", e.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				res = handler.Fail(fmt.Errorf("panic in step %s: %v", e.StepID, r))
			}
		}()
		return next(ctx)
	}
}
