package api

import "encoding/json"

// CreateInstanceRequest starts an instance of a template.
type CreateInstanceRequest struct {
	Template   string          `json:"template"`
	Version    int             `json:"version,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`
	EntityRefs []string        `json:"entity_refs,omitempty"`
}

// ReasonRequest is the body of pause and cancel.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ActorRequest names the actor performing a manual step operation.
type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

// CompleteStepRequest is the body of a manual completion.
type CompleteStepRequest struct {
	ActorID string          `json:"actor_id"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// FailStepRequest is the body of a manual failure report.
type FailStepRequest struct {
	ActorID   string `json:"actor_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// InvalidateEntityRequest names the changed entity.
type InvalidateEntityRequest struct {
	EntityRef string `json:"entity_ref"`
}

// InvalidateEntityResponse reports how many cache entries were dropped.
type InvalidateEntityResponse struct {
	Invalidated int `json:"invalidated"`
}
