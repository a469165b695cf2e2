package tenantflow

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("tenantflow: no store configured")
	ErrStoreClosed     = errors.New("tenantflow: store closed")
	ErrMigrationFailed = errors.New("tenantflow: migration failed")

	// Not found errors.
	ErrTemplateNotFound   = errors.New("tenantflow: template not found")
	ErrInstanceNotFound   = errors.New("tenantflow: instance not found")
	ErrStepNotFound       = errors.New("tenantflow: step execution not found")
	ErrActorNotFound      = errors.New("tenantflow: actor not found")
	ErrHandlerNotFound    = errors.New("tenantflow: no handler registered for task type")
	ErrCheckpointNotFound = errors.New("tenantflow: checkpoint not found")

	// Conflict errors.
	ErrTemplateVersionExists = errors.New("tenantflow: template version already published")
	ErrInstanceExists        = errors.New("tenantflow: instance already exists")
	ErrActorExists           = errors.New("tenantflow: actor already exists")
	ErrVersionConflict       = errors.New("tenantflow: version conflict")
	ErrStaleResult           = errors.New("tenantflow: stale step result discarded")
	ErrLockHeld              = errors.New("tenantflow: lock held by another owner")
	ErrLockLost              = errors.New("tenantflow: lock lease lost")

	// State errors.
	ErrInvalidState       = errors.New("tenantflow: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("tenantflow: max retries exceeded")
	ErrNotAssignee        = errors.New("tenantflow: actor is not the step assignee")
	ErrActorNotEligible   = errors.New("tenantflow: actor not eligible for step")

	// Validation and isolation errors.
	ErrValidation         = errors.New("tenantflow: validation failed")
	ErrIsolationViolation = errors.New("tenantflow: isolation violation")
	ErrNoOrganization     = errors.New("tenantflow: no organization in context")

	// Cluster errors.
	ErrNotLeader = errors.New("tenantflow: not the leader")
)

// IsolationViolation reports an attempt to read or write a row that belongs
// to a different organization than the one carried by the caller's context.
// It always matches ErrIsolationViolation and is never retried.
type IsolationViolation struct {
	Op         string
	Resource   string
	ResourceID string
	ContextOrg string
	RowOrg     string
}

func (e *IsolationViolation) Error() string {
	if e.ContextOrg == "" {
		return fmt.Sprintf("tenantflow: isolation violation: %s %s %s without organization scope",
			e.Op, e.Resource, e.ResourceID)
	}
	return fmt.Sprintf("tenantflow: isolation violation: %s %s %s from organization %q",
		e.Op, e.Resource, e.ResourceID, e.ContextOrg)
}

// Is makes errors.Is(err, ErrIsolationViolation) hold.
func (e *IsolationViolation) Is(target error) bool {
	return target == ErrIsolationViolation
}
