package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/api"
	"github.com/xraph/tenantflow/step"
)

// RegisterActor creates an actor. An empty OrgID takes the client's
// organization.
func (c *Client) RegisterActor(ctx context.Context, a *actor.Actor) (*actor.Actor, error) {
	var out actor.Actor
	if err := c.do(ctx, http.MethodPost, "/actors", nil, a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReadySteps returns the ready steps actorID is eligible for.
func (c *Client) ListReadySteps(ctx context.Context, actorID string) ([]*step.Execution, error) {
	var out []*step.Execution
	if err := c.do(ctx, http.MethodGet, "/actors/"+url.PathEscape(actorID)+"/steps", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimStep assigns a ready step to actorID.
func (c *Client) ClaimStep(ctx context.Context, stepID, actorID string) (*step.Execution, error) {
	return c.stepCommand(ctx, stepID, "claim", api.ActorRequest{ActorID: actorID})
}

// StartStep moves a step assigned to actorID to running.
func (c *Client) StartStep(ctx context.Context, stepID, actorID string) (*step.Execution, error) {
	return c.stepCommand(ctx, stepID, "start", api.ActorRequest{ActorID: actorID})
}

// CompleteStep records output for a step held by actorID.
func (c *Client) CompleteStep(ctx context.Context, stepID, actorID string, output json.RawMessage) (*step.Execution, error) {
	return c.stepCommand(ctx, stepID, "complete", api.CompleteStepRequest{ActorID: actorID, Output: output})
}

// FailStep reports a failed attempt. A retryable failure returns the step
// to ready while retries remain.
func (c *Client) FailStep(ctx context.Context, stepID, actorID, detail string, retryable bool) (*step.Execution, error) {
	return c.stepCommand(ctx, stepID, "fail", api.FailStepRequest{ActorID: actorID, Error: detail, Retryable: retryable})
}

// ListCheckpoints returns the step's checkpoint history, oldest first.
func (c *Client) ListCheckpoints(ctx context.Context, stepID string) ([]*step.Checkpoint, error) {
	var out []*step.Checkpoint
	if err := c.do(ctx, http.MethodGet, "/steps/"+url.PathEscape(stepID)+"/checkpoints", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) stepCommand(ctx context.Context, stepID, verb string, body any) (*step.Execution, error) {
	var out step.Execution
	if err := c.do(ctx, http.MethodPost, "/steps/"+url.PathEscape(stepID)+"/"+verb, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
