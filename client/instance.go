package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/xraph/tenantflow/api"
	"github.com/xraph/tenantflow/engine"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/template"
)

// PublishTemplate publishes t as the next version of its name.
func (c *Client) PublishTemplate(ctx context.Context, t *template.Template) (*template.Template, error) {
	var out template.Template
	if err := c.do(ctx, http.MethodPost, "/templates", nil, t, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTemplates returns the latest version of every template.
func (c *Client) ListTemplates(ctx context.Context) ([]*template.Template, error) {
	var out []*template.Template
	if err := c.do(ctx, http.MethodGet, "/templates", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInstance starts an instance in the client's organization.
func (c *Client) CreateInstance(ctx context.Context, req api.CreateInstanceRequest) (*instance.Instance, error) {
	var out instance.Instance
	if err := c.do(ctx, http.MethodPost, "/instances", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstanceStatus returns the instance, its steps and per-status counts.
func (c *Client) GetInstanceStatus(ctx context.Context, instanceID string) (*engine.InstanceStatus, error) {
	var out engine.InstanceStatus
	if err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstancesOpts filters ListInstances.
type ListInstancesOpts struct {
	Statuses []instance.Status
	Limit    int
	Offset   int
}

// ListInstances lists the organization's instances.
func (c *Client) ListInstances(ctx context.Context, opts ListInstancesOpts) ([]*instance.Instance, error) {
	q := url.Values{}
	if len(opts.Statuses) > 0 {
		parts := make([]string, len(opts.Statuses))
		for i, s := range opts.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var out []*instance.Instance
	if err := c.do(ctx, http.MethodGet, "/instances", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PauseInstance stops further dispatch for the instance.
func (c *Client) PauseInstance(ctx context.Context, instanceID, reason string) (*instance.Instance, error) {
	return c.instanceCommand(ctx, instanceID, "pause", reason)
}

// ResumeInstance returns a paused instance to running.
func (c *Client) ResumeInstance(ctx context.Context, instanceID string) (*instance.Instance, error) {
	return c.instanceCommand(ctx, instanceID, "resume", "")
}

// CancelInstance cancels the instance and skips its unfinished steps.
func (c *Client) CancelInstance(ctx context.Context, instanceID, reason string) (*instance.Instance, error) {
	return c.instanceCommand(ctx, instanceID, "cancel", reason)
}

func (c *Client) instanceCommand(ctx context.Context, instanceID, verb, reason string) (*instance.Instance, error) {
	var out instance.Instance
	path := "/instances/" + url.PathEscape(instanceID) + "/" + verb
	if err := c.do(ctx, http.MethodPost, path, nil, api.ReasonRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InvalidateEntity drops cached step results tagged with entityRef and
// returns how many were dropped.
func (c *Client) InvalidateEntity(ctx context.Context, entityRef string) (int, error) {
	var out api.InvalidateEntityResponse
	if err := c.do(ctx, http.MethodPost, "/entities/invalidate", nil, api.InvalidateEntityRequest{EntityRef: entityRef}, &out); err != nil {
		return 0, err
	}
	return out.Invalidated, nil
}
