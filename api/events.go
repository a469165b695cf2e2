package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/xraph/tenantflow/scope"
)

// streamEvents serves the organization's events as server-sent events.
// Topics come from repeated or comma-separated ?topic= parameters and
// default to every event of the organization.
func (a *API) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	org, _ := scope.OrgFrom(ctx)

	var topics []string
	for _, raw := range c.QueryParams()["topic"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	broker := a.eng.StreamBroker()
	subID := uuid.NewString()
	sub, err := broker.Subscribe(subID, org, topics...)
	if err != nil {
		return badRequest("invalid topic", err)
	}
	defer broker.RemoveSubscriber(subID)

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(a.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, data); err != nil {
				return nil
			}
			w.Flush()
			sub.AddCredits(1)
		}
	}
}
