package step

import (
	"context"
	"time"

	"github.com/xraph/tenantflow/id"
)

// Filter selects step executions. Zero fields do not filter.
type Filter struct {
	OrgID      string
	InstanceID id.InstanceID
	AssigneeID string
	Statuses   []Status
	Limit      int
}

// Store defines the persistence contract for step executions.
type Store interface {
	// GetStep retrieves a step execution by ID.
	GetStep(ctx context.Context, stepID id.StepID) (*Execution, error)

	// ListSteps returns every step of an instance in template order.
	ListSteps(ctx context.Context, instanceID id.InstanceID) ([]*Execution, error)

	// FindSteps returns steps matching f ordered by priority (descending)
	// then template order.
	FindSteps(ctx context.Context, f Filter) ([]*Execution, error)

	// CountSteps returns the number of steps matching f.
	CountSteps(ctx context.Context, f Filter) (int, error)

	// UpdateStep writes e if the stored version equals e.Version and then
	// increments e.Version. A mismatch returns tenantflow.ErrVersionConflict
	// and leaves the row untouched.
	UpdateStep(ctx context.Context, e *Execution) error

	// StartStep is UpdateStep plus inserting cp, in one transaction.
	StartStep(ctx context.Context, e *Execution, cp *Checkpoint) error

	// HeartbeatStep refreshes HeartbeatAt of a running step if it is still
	// on the given attempt. It does not bump the version.
	HeartbeatStep(ctx context.Context, stepID id.StepID, attempt int, at time.Time) error

	// ListCheckpoints returns the checkpoints of a step, oldest first.
	ListCheckpoints(ctx context.Context, stepID id.StepID) ([]*Checkpoint, error)
}
