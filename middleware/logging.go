package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/step"
)

// Logging returns middleware that logs step start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, e *step.Execution, next Handler) handler.Result {
		logger.Info("step started",
			slog.String("step_id", e.StepID),
			slog.String("step_exec_id", e.ID.String()),
			slog.String("instance_id", e.InstanceID.String()),
			slog.String("task_type", e.TaskType),
			slog.Int("attempt", e.Attempt),
		)

		start := time.Now()
		res := next(ctx)
		elapsed := time.Since(start)

		if res.Status != handler.StatusSuccess {
			logger.Warn("step attempt failed",
				slog.String("step_id", e.StepID),
				slog.String("step_exec_id", e.ID.String()),
				slog.String("status", string(res.Status)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", res.ErrorDetail),
			)
		} else {
			logger.Info("step succeeded",
				slog.String("step_id", e.StepID),
				slog.String("step_exec_id", e.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}
		return res
	}
}
