package instance

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
)

// ErrSkip is returned by a mutation to abandon the write without error.
var ErrSkip = errors.New("instance: mutation not applicable")

// Mutate reads the instance, applies fn and writes it back, re-reading and
// re-applying fn on a version conflict. fn returning ErrSkip ends the loop
// and Mutate returns (current row, ErrSkip).
func Mutate(ctx context.Context, s Store, instanceID id.InstanceID, fn func(*Instance) error) (*Instance, error) {
	var out *Instance
	b := retry.WithMaxRetries(8, retry.NewConstant(5*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		inst, err := s.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if err := fn(inst); err != nil {
			out = inst
			return err
		}
		if err := s.UpdateInstance(ctx, inst); err != nil {
			if errors.Is(err, tenantflow.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = inst
		return nil
	})
	return out, err
}
