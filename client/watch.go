package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/tenantflow/event"
)

// Watch subscribes to the organization's live events on topics (see the
// stream package for topic names; none means every event). The first
// connection is made before Watch returns. Dropped connections are
// re-established with the client's reconnect policy; events published
// while disconnected are not replayed. The channel is closed when ctx ends
// or reconnection gives up.
func (c *Client) Watch(ctx context.Context, topics ...string) (<-chan event.Event, error) {
	q := url.Values{}
	if len(topics) > 0 {
		q.Set("topic", strings.Join(topics, ","))
	}

	body, err := c.openStream(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make(chan event.Event, 64)
	go func() {
		defer close(out)
		for {
			err := readEvents(ctx, body, out)
			body.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("tenantflow/client: event stream interrupted", slog.Any("error", err))

			err = retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
				b, err := c.openStream(ctx, q)
				if err != nil {
					var apiErr *APIError
					if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
						return err
					}
					return retry.RetryableError(err)
				}
				body = b
				return nil
			})
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("tenantflow/client: event stream closed", slog.Any("error", err))
				}
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) openStream(ctx context.Context, q url.Values) (io.ReadCloser, error) {
	resp, err := c.send(ctx, http.MethodGet, "/events", q, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// readEvents parses server-sent events from r until it ends. Only the data
// field is used; comments and other fields are skipped.
func readEvents(ctx context.Context, r io.Reader, out chan<- event.Event) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt event.Event
			err := json.Unmarshal([]byte(data.String()), &evt)
			data.Reset()
			if err != nil {
				return err
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
