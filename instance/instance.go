// Package instance defines WorkflowInstance, one execution of a template
// version for one organization, and its lifecycle state machine.
package instance

import (
	"encoding/json"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/id"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusPending                 Status = "pending"
	StatusRunning                 Status = "running"
	StatusPaused                  Status = "paused"
	StatusCompleted               Status = "completed"
	StatusCompletedWithExceptions Status = "completed_with_exceptions"
	StatusFailed                  Status = "failed"
	StatusCancelled               Status = "cancelled"
)

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithExceptions, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Dispatchable reports whether ready steps of an instance in this status
// may be assigned and started. A failed instance still finishes the steps
// that were ready or in flight when it failed; the rest were skipped.
func (s Status) Dispatchable() bool {
	return s == StatusRunning || s == StatusFailed
}

// Instance is one execution of a template version for one organization.
type Instance struct {
	tenantflow.Entity

	ID              id.InstanceID   `json:"id"`
	TemplateName    string          `json:"template_name"`
	TemplateVersion int             `json:"template_version"`
	OrgID           string          `json:"org_id"`
	Status          Status          `json:"status"`
	Context         json.RawMessage `json:"context,omitempty"`
	EntityRefs      []string        `json:"entity_refs,omitempty"`

	// Graph is the template snapshot taken at creation. Later template
	// versions never affect it.
	Graph *graph.DAG `json:"graph"`

	// BlockingStepID and StatusReason explain a paused, failed or cancelled
	// instance.
	BlockingStepID string `json:"blocking_step_id,omitempty"`
	StatusReason   string `json:"status_reason,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a copy safe to mutate. The graph is shared; it is immutable.
func (i *Instance) Clone() *Instance {
	cp := *i
	cp.EntityRefs = append([]string(nil), i.EntityRefs...)
	if i.Context != nil {
		cp.Context = append(json.RawMessage(nil), i.Context...)
	}
	return &cp
}
