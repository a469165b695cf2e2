// Package middleware provides composable middleware around step handler
// execution. Middleware wraps a handler call synchronously and may observe
// or replace its result (recover from panics, inject scope, log, trace).
package middleware

import (
	"context"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/step"
)

// Handler is the terminal function that runs the step's handler.
type Handler func(ctx context.Context) handler.Result

// Middleware wraps a Handler with cross-cutting logic. It receives the step
// being executed and the next handler. Middleware must call next unless it
// deliberately short-circuits with its own result.
type Middleware func(ctx context.Context, e *step.Execution, next Handler) handler.Result

// Chain composes middleware. The first middleware in the list is the
// outermost wrapper:
//
//	Chain(logging, recover, scope) runs logging → recover → scope → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, e *step.Execution, next Handler) handler.Result {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) handler.Result {
				return mw(ctx, e, prev)
			}
		}
		return h(ctx)
	}
}

// outcome labels a result for logs, spans and metrics.
func outcome(r handler.Result) string {
	switch r.Status {
	case handler.StatusSuccess:
		return "ok"
	case handler.StatusRetryable:
		return "retry"
	default:
		return "error"
	}
}
