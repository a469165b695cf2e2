package step

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
)

// ErrSkip is returned by a mutation to abandon the write without error, for
// example when another writer already moved the step past the intended
// transition.
var ErrSkip = errors.New("step: mutation not applicable")

const (
	mutateAttempts = 8
	mutateInterval = 5 * time.Millisecond
)

// Mutate reads the step, applies fn and writes it back with optimistic
// concurrency. On a version conflict the row is re-read and fn re-applied to
// the fresh state, so a writer re-runs its own transition instead of
// overwriting. fn returning ErrSkip ends the loop and Mutate returns
// (current row, ErrSkip).
func Mutate(ctx context.Context, s Store, stepID id.StepID, fn func(*Execution) error) (*Execution, error) {
	return mutate(ctx, s, stepID, fn, s.UpdateStep)
}

// Begin is Mutate for the assigned → running edge. The write goes through
// StartStep together with the checkpoint cp builds from the mutated row.
func Begin(ctx context.Context, s Store, stepID id.StepID, fn func(*Execution) error, cp func(*Execution) *Checkpoint) (*Execution, error) {
	return mutate(ctx, s, stepID, fn, func(ctx context.Context, e *Execution) error {
		return s.StartStep(ctx, e, cp(e))
	})
}

func mutate(ctx context.Context, s Store, stepID id.StepID, fn func(*Execution) error,
	write func(context.Context, *Execution) error,
) (*Execution, error) {
	var out *Execution
	b := retry.WithMaxRetries(mutateAttempts, retry.NewConstant(mutateInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		e, err := s.GetStep(ctx, stepID)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			out = e
			return err
		}
		if err := write(ctx, e); err != nil {
			if errors.Is(err, tenantflow.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = e
		return nil
	})
	return out, err
}
