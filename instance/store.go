package instance

import (
	"context"

	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/step"
)

// ListOpts filters instance listings. Zero fields do not filter.
type ListOpts struct {
	OrgID    string
	Statuses []Status
	Limit    int
	Offset   int
}

// Store defines the persistence contract for instances.
type Store interface {
	// CreateInstance persists the instance and its materialised steps in a
	// single transaction.
	CreateInstance(ctx context.Context, inst *Instance, steps []*step.Execution) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, instanceID id.InstanceID) (*Instance, error)

	// UpdateInstance writes inst if the stored version equals inst.Version
	// and then increments inst.Version. A mismatch returns
	// tenantflow.ErrVersionConflict.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// ListInstances returns instances ordered by creation time.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)
}
