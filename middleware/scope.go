package middleware

import (
	"context"

	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
)

// Scope returns middleware that places the step's organization on the
// context, so handlers and any store access they make are scoped to it.
func Scope() Middleware {
	return func(ctx context.Context, e *step.Execution, next Handler) handler.Result {
		return next(scope.WithOrg(ctx, e.OrgID))
	}
}
