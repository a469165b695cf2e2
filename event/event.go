package event

import (
	"time"

	"github.com/xraph/tenantflow/id"
)

// Kind names what happened.
type Kind string

const (
	InstanceCreated   Kind = "instance.created"
	InstanceResumed   Kind = "instance.resumed"
	InstanceCancelled Kind = "instance.cancelled"
	StepCompleted     Kind = "step.completed"
	StepFailed        Kind = "step.failed"
	StepSkipped       Kind = "step.skipped"
	StepReclaimed     Kind = "step.reclaimed"
	StepRetrying      Kind = "step.retrying"
	EntityChanged     Kind = "entity.changed"
)

// Event is a notification that durable state changed. Events carry ids only;
// consumers re-read the store, so a lost or duplicated event never corrupts
// state.
type Event struct {
	ID         id.EventID    `json:"id"`
	Kind       Kind          `json:"kind"`
	OrgID      string        `json:"org_id"`
	InstanceID id.InstanceID `json:"instance_id,omitzero"`
	StepExecID id.StepID     `json:"step_exec_id,omitzero"`
	StepID     string        `json:"step_id,omitempty"`
	EntityRef  string        `json:"entity_ref,omitempty"`
	At         time.Time     `json:"at"`
}

// New returns an event of kind k stamped with a fresh id and the current
// time.
func New(k Kind, orgID string) Event {
	return Event{ID: id.NewEventID(), Kind: k, OrgID: orgID, At: time.Now().UTC()}
}
