package handler

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed adapts a function over a decoded instance context to Handler. The
// instance context is JSON-decoded into In and the returned Out becomes the
// step output. An error is a retryable failure unless wrapped by Permanent;
// an undecodable context is fatal.
func Typed[In, Out any](fn func(ctx context.Context, in Input, payload In) (Out, error)) Handler {
	return Func(func(ctx context.Context, in Input) Result {
		var p In
		if len(in.Context) > 0 {
			if err := json.Unmarshal(in.Context, &p); err != nil {
				return Fail(fmt.Errorf("decode context for %q: %w", in.TaskType, err))
			}
		}
		out, err := fn(ctx, in, p)
		if err != nil {
			if IsPermanent(err) {
				return Fail(err)
			}
			return Retry(err)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return Fail(fmt.Errorf("encode output for %q: %w", in.TaskType, err))
		}
		return Succeed(data)
	})
}

// Upstream decodes the output of dependency stepID into T. It reports false
// when the dependency has no output (for example, it was skipped).
func Upstream[T any](in Input, stepID string) (T, bool, error) {
	var v T
	raw, ok := in.Upstream[stepID]
	if !ok || len(raw) == 0 {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode upstream %q: %w", stepID, err)
	}
	return v, true, nil
}
