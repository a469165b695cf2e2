package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/engine"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/template"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ──────────────────────────────────────────────────
// Templates
// ──────────────────────────────────────────────────

func (a *API) listTemplates(c echo.Context) error {
	list, err := a.eng.Templates().List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// publishTemplate accepts a JSON or YAML template document.
func (a *API) publishTemplate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest("read body", err)
	}

	var t *template.Template
	if strings.Contains(c.Request().Header.Get(echo.HeaderContentType), "yaml") {
		if t, err = template.ParseYAML(body); err != nil {
			return badRequest("invalid template", err)
		}
	} else {
		t = new(template.Template)
		if err := json.Unmarshal(body, t); err != nil {
			return badRequest("invalid template", err)
		}
	}

	published, err := a.eng.PublishTemplate(c.Request().Context(), t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, published)
}

// ──────────────────────────────────────────────────
// Instances
// ──────────────────────────────────────────────────

func (a *API) createInstance(c echo.Context) error {
	var req CreateInstanceRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	org, _ := scope.OrgFrom(ctx)

	var opts []engine.CreateOption
	if req.Version > 0 {
		opts = append(opts, engine.WithTemplateVersion(req.Version))
	}
	if len(req.EntityRefs) > 0 {
		opts = append(opts, engine.WithEntityRefs(req.EntityRefs...))
	}

	inst, err := a.eng.CreateInstance(ctx, req.Template, org, req.Context, opts...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inst)
}

func (a *API) listInstances(c echo.Context) error {
	var (
		statuses []string
		opts     instance.ListOpts
	)
	err := echo.QueryParamsBinder(c).
		Strings("status", &statuses).
		Int("limit", &opts.Limit).
		Int("offset", &opts.Offset).
		BindError()
	if err != nil {
		return badRequest("invalid query", err)
	}
	for _, s := range statuses {
		for _, part := range strings.Split(s, ",") {
			if part != "" {
				opts.Statuses = append(opts.Statuses, instance.Status(part))
			}
		}
	}
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultLimit
	case opts.Limit > maxLimit:
		opts.Limit = maxLimit
	}

	ctx := c.Request().Context()
	opts.OrgID, _ = scope.OrgFrom(ctx)
	list, err := a.eng.Store().ListInstances(ctx, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (a *API) getInstanceStatus(c echo.Context) error {
	instID, err := id.ParseInstanceID(c.Param("instanceId"))
	if err != nil {
		return badRequest("invalid instance ID", err)
	}
	st, err := a.eng.GetInstanceStatus(c.Request().Context(), instID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (a *API) pauseInstance(c echo.Context) error {
	return a.instanceCommand(c, func(ctx context.Context, instID id.InstanceID, reason string) (*instance.Instance, error) {
		return a.eng.PauseInstance(ctx, instID, reason)
	})
}

func (a *API) resumeInstance(c echo.Context) error {
	return a.instanceCommand(c, func(ctx context.Context, instID id.InstanceID, _ string) (*instance.Instance, error) {
		return a.eng.ResumeInstance(ctx, instID)
	})
}

func (a *API) cancelInstance(c echo.Context) error {
	return a.instanceCommand(c, func(ctx context.Context, instID id.InstanceID, reason string) (*instance.Instance, error) {
		return a.eng.CancelInstance(ctx, instID, reason)
	})
}

func (a *API) instanceCommand(c echo.Context, fn func(context.Context, id.InstanceID, string) (*instance.Instance, error)) error {
	instID, err := id.ParseInstanceID(c.Param("instanceId"))
	if err != nil {
		return badRequest("invalid instance ID", err)
	}
	var req ReasonRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return err
		}
	}
	inst, err := fn(c.Request().Context(), instID, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

// ──────────────────────────────────────────────────
// Actors and manual steps
// ──────────────────────────────────────────────────

func (a *API) registerActor(c echo.Context) error {
	var act actor.Actor
	if err := c.Bind(&act); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if act.OrgID == "" {
		act.OrgID, _ = scope.OrgFrom(ctx)
	}
	if err := a.eng.RegisterActor(ctx, &act); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, &act)
}

func (a *API) listReadySteps(c echo.Context) error {
	actorID, err := id.ParseActorID(c.Param("actorId"))
	if err != nil {
		return badRequest("invalid actor ID", err)
	}
	steps, err := a.eng.ListReadyStepsForActor(c.Request().Context(), actorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, steps)
}

// stepAndActor parses the step path parameter and the actor id of body.
func stepAndActor(c echo.Context, actorID string) (id.StepID, id.ActorID, error) {
	stepID, err := id.ParseStepID(c.Param("stepId"))
	if err != nil {
		return id.Nil, id.Nil, badRequest("invalid step ID", err)
	}
	aid, err := id.ParseActorID(actorID)
	if err != nil {
		return id.Nil, id.Nil, badRequest("invalid actor ID", err)
	}
	return stepID, aid, nil
}

func (a *API) claimStep(c echo.Context) error {
	var req ActorRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	stepID, actorID, err := stepAndActor(c, req.ActorID)
	if err != nil {
		return err
	}
	e, err := a.eng.ClaimStep(c.Request().Context(), stepID, actorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (a *API) startStep(c echo.Context) error {
	var req ActorRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	stepID, actorID, err := stepAndActor(c, req.ActorID)
	if err != nil {
		return err
	}
	e, err := a.eng.StartStep(c.Request().Context(), stepID, actorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (a *API) completeStep(c echo.Context) error {
	var req CompleteStepRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	stepID, actorID, err := stepAndActor(c, req.ActorID)
	if err != nil {
		return err
	}
	e, err := a.eng.CompleteStep(c.Request().Context(), stepID, actorID, req.Output)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (a *API) failStep(c echo.Context) error {
	var req FailStepRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	stepID, actorID, err := stepAndActor(c, req.ActorID)
	if err != nil {
		return err
	}
	e, err := a.eng.FailStep(c.Request().Context(), stepID, actorID, req.Error, req.Retryable)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (a *API) listCheckpoints(c echo.Context) error {
	stepID, err := id.ParseStepID(c.Param("stepId"))
	if err != nil {
		return badRequest("invalid step ID", err)
	}
	cps, err := a.eng.ListCheckpoints(c.Request().Context(), stepID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cps)
}

// ──────────────────────────────────────────────────
// Entities
// ──────────────────────────────────────────────────

func (a *API) invalidateEntity(c echo.Context) error {
	var req InvalidateEntityRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.EntityRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity_ref is required")
	}
	n, err := a.eng.InvalidateEntity(c.Request().Context(), req.EntityRef)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, InvalidateEntityResponse{Invalidated: n})
}
