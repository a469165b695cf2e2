// Package api exposes the engine's public operations over HTTP using echo.
//
// Every instance, step, actor and entity route runs with the organization
// taken from the X-Organization-ID header, which an upstream authenticator
// is expected to set. Template routes are organization-independent.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xraph/tenantflow/engine"
	"github.com/xraph/tenantflow/scope"
)

// OrgHeader carries the caller's organization.
const OrgHeader = "X-Organization-ID"

// API wires the HTTP handlers to an Engine.
type API struct {
	eng       *engine.Engine
	logger    *slog.Logger
	keepAlive time.Duration
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for request and error logs.
func WithLogger(l *slog.Logger) Option { return func(a *API) { a.logger = l } }

// WithKeepAlive sets how often an idle event stream sends a comment line.
func WithKeepAlive(d time.Duration) Option { return func(a *API) { a.keepAlive = d } }

// New creates an API over eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default(), keepAlive: 15 * time.Second}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Handler returns a standalone echo server with all routes mounted.
func (a *API) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(a.requestLog())
	a.RegisterRoutes(e.Group("/v1"))
	return e
}

// RegisterRoutes mounts every route on g.
func (a *API) RegisterRoutes(g *echo.Group) {
	g.GET("/templates", a.listTemplates)
	g.POST("/templates", a.publishTemplate)

	o := g.Group("", a.orgScope)

	o.POST("/instances", a.createInstance)
	o.GET("/instances", a.listInstances)
	o.GET("/instances/:instanceId", a.getInstanceStatus)
	o.POST("/instances/:instanceId/pause", a.pauseInstance)
	o.POST("/instances/:instanceId/resume", a.resumeInstance)
	o.POST("/instances/:instanceId/cancel", a.cancelInstance)

	o.POST("/actors", a.registerActor)
	o.GET("/actors/:actorId/steps", a.listReadySteps)

	o.POST("/steps/:stepId/claim", a.claimStep)
	o.POST("/steps/:stepId/start", a.startStep)
	o.POST("/steps/:stepId/complete", a.completeStep)
	o.POST("/steps/:stepId/fail", a.failStep)
	o.GET("/steps/:stepId/checkpoints", a.listCheckpoints)

	o.POST("/entities/invalidate", a.invalidateEntity)

	if a.eng.StreamBroker() != nil {
		o.GET("/events", a.streamEvents)
	}
}

// orgScope moves the organization header onto the request context.
func (a *API) orgScope(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		org := c.Request().Header.Get(OrgHeader)
		if org == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+OrgHeader+" header")
		}
		req := c.Request()
		c.SetRequest(req.WithContext(scope.WithOrg(req.Context(), org)))
		return next(c)
	}
}

func (a *API) requestLog() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if org := c.Request().Header.Get(OrgHeader); org != "" {
				attrs = append(attrs, slog.String("org_id", org))
			}
			level := slog.LevelInfo
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
				level = slog.LevelWarn
			}
			a.logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}
