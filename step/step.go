// Package step defines StepExecution, the per-instance runtime record of a
// template step, together with its state machine, checkpoints and store
// contract.
package step

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
)

// Status is the lifecycle state of a step execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Satisfied reports whether a dependency in this state unblocks dependents.
func (s Status) Satisfied() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Active reports whether an actor currently holds the step.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusRunning
}

// transitions lists the permitted edges. The return to ready from assigned
// and running is the retry/reclaim edge; it is bounded by MaxRetries in the
// recovery package. Completed, failed and skipped have no way out.
var transitions = map[Status][]Status{
	StatusPending:  {StatusReady, StatusSkipped},
	StatusReady:    {StatusAssigned, StatusSkipped},
	StatusAssigned: {StatusRunning, StatusReady, StatusSkipped},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusReady, StatusSkipped},
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Execution is the runtime state of one step of one instance.
type Execution struct {
	tenantflow.Entity

	ID              id.StepID     `json:"id"`
	InstanceID      id.InstanceID `json:"instance_id"`
	OrgID           string        `json:"org_id"`
	TemplateName    string        `json:"template_name"`
	TemplateVersion int           `json:"template_version"`

	StepID            string   `json:"step_id"`
	TaskType          string   `json:"task_type"`
	Index             int      `json:"index"`
	DependsOn         []string `json:"depends_on,omitempty"`
	Priority          int      `json:"priority"`
	EstimatedMinutes  int      `json:"estimated_minutes"`
	RequiredSkillTags []string `json:"required_skill_tags,omitempty"`
	Critical          bool     `json:"critical"`
	Cacheable         bool     `json:"cacheable"`
	CacheTTLSeconds   int      `json:"cache_ttl_seconds,omitempty"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
	MaxRetries        int      `json:"max_retries"`
	Automated         bool     `json:"automated"`

	Status      Status          `json:"status"`
	AssigneeID  string          `json:"assignee_id,omitempty"`
	Attempt     int             `json:"attempt"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`

	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	NotBefore    *time.Time `json:"not_before,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CheckpointAt *time.Time `json:"checkpoint_at,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	// Version is bumped by every successful store update and guards
	// concurrent writers.
	Version int64 `json:"version"`
}

// Transition moves e to the given status if the edge is permitted.
func (e *Execution) Transition(to Status) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: step %s %s -> %s", tenantflow.ErrInvalidState, e.StepID, e.Status, to)
	}
	e.Status = to
	return nil
}

// Timeout returns the maximum execution duration.
func (e *Execution) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// LastSeen is the most recent liveness signal of a running step.
func (e *Execution) LastSeen() time.Time {
	var t time.Time
	if e.CheckpointAt != nil {
		t = *e.CheckpointAt
	}
	if e.HeartbeatAt != nil && e.HeartbeatAt.After(t) {
		t = *e.HeartbeatAt
	}
	return t
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.DependsOn = append([]string(nil), e.DependsOn...)
	cp.RequiredSkillTags = append([]string(nil), e.RequiredSkillTags...)
	if e.Result != nil {
		cp.Result = append(json.RawMessage(nil), e.Result...)
	}
	return &cp
}

// Checkpoint durably records that an attempt of a step began running.
type Checkpoint struct {
	ID              id.CheckpointID `json:"id"`
	StepExecutionID id.StepID       `json:"step_execution_id"`
	InstanceID      id.InstanceID   `json:"instance_id"`
	OrgID           string          `json:"org_id"`
	ActorID         string          `json:"actor_id"`
	Attempt         int             `json:"attempt"`
	RecordedAt      time.Time       `json:"recorded_at"`
}
