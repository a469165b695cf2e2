// Package client is a Go client for the tenantflow HTTP API.
//
// Usage:
//
//	c := client.New("https://flows.example.com", client.WithOrganization("org_a"))
//
//	inst, err := c.CreateInstance(ctx, api.CreateInstanceRequest{
//	    Template: "tax-return",
//	    Context:  json.RawMessage(`{"client_id":"42"}`),
//	})
//
//	events, err := c.Watch(ctx, stream.InstanceTopic(inst.ID.String()))
//	for evt := range events {
//	    fmt.Println(evt.Kind, evt.StepID)
//	}
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/api"
)

// Client talks to a remote tenantflow API. It is safe for concurrent use.
type Client struct {
	baseURL string
	orgID   string
	http    *http.Client
	headers http.Header
	logger  *slog.Logger

	maxRetries int
	baseDelay  time.Duration
}

// New creates a client for the API rooted at baseURL. Routes are resolved
// under baseURL + "/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       http.DefaultClient,
		headers:    make(http.Header),
		logger:     slog.Default(),
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to a sentinel matching its
// status, so errors.Is(err, tenantflow.ErrValidation) or
// errors.Is(err, client.ErrForbidden) work across the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tenantflow/client: %d %s", e.StatusCode, e.Message)
}

// Unwrap maps the status to the closest sentinel error.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return tenantflow.ErrValidation
	case http.StatusUnauthorized:
		return tenantflow.ErrNoOrganization
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

var (
	// ErrForbidden is returned for 403 responses: cross-organization access,
	// or an actor acting on a step it does not hold.
	ErrForbidden = errors.New("tenantflow/client: forbidden")

	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("tenantflow/client: not found")

	// ErrConflict is returned for 409 responses: invalid state transitions,
	// version conflicts and held locks.
	ErrConflict = errors.New("tenantflow/client: conflict")
)

// do sends one request and decodes a JSON response into out. GET requests
// are retried on transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("tenantflow/client: marshal request: %w", err)
		}
	}

	attempt := func(ctx context.Context) (retryable bool, err error) {
		resp, err := c.send(ctx, method, path, query, payload)
		if err != nil {
			return true, fmt.Errorf("tenantflow/client: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resp.StatusCode >= 500, decodeError(resp)
		}
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("tenantflow/client: decode response: %w", err)
		}
		return false, nil
	}

	if method != http.MethodGet || c.maxRetries <= 0 {
		_, err := attempt(ctx)
		return err
	}
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		retryable, err := attempt(ctx)
		if retryable {
			c.logger.Debug("tenantflow/client: retrying request",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Response, error) {
	u := c.baseURL + "/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		req.Header[k] = vs
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.orgID != "" {
		req.Header.Set(api.OrgHeader, c.orgID)
	}
	return c.http.Do(req)
}

func (c *Client) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.baseDelay))
}

// decodeError reads echo's {"message": ...} error body.
func decodeError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Message != "" {
		apiErr.Message = body.Message
	}
	return apiErr
}
