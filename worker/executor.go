// Package worker runs automated steps. An Executor drives one step attempt
// from start to recorded outcome; a Pool bounds how many attempts run at
// once, keeps their leases and heartbeats alive, and cancels them when their
// instance is cancelled.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/cache"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/handler"
	"github.com/xraph/tenantflow/middleware"
	"github.com/xraph/tenantflow/recovery"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/store"
)

// Executor runs a single step attempt through middleware and the registered
// handler, then records the outcome with the recovery manager.
type Executor struct {
	store      store.Store
	handlers   *handler.Registry
	recovery   *recovery.Manager
	cache      *cache.Cache
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCache enables result caching for cacheable steps.
func WithCache(c *cache.Cache) ExecutorOption { return func(x *Executor) { x.cache = c } }

// WithMiddleware sets the middleware wrapped around every handler call. The
// first entry is outermost.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(x *Executor) { x.mw = middleware.Chain(mws...) }
}

// WithExtensions sets the registry notified of cache hits.
func WithExtensions(r *ext.Registry) ExecutorOption { return func(x *Executor) { x.extensions = r } }

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption { return func(x *Executor) { x.logger = l } }

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(s store.Store, handlers *handler.Registry, rec *recovery.Manager, opts ...ExecutorOption) *Executor {
	x := &Executor{
		store:    s,
		handlers: handlers,
		recovery: rec,
		mw:       middleware.Chain(),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(x)
	}
	if x.extensions == nil {
		x.extensions = ext.NewRegistry(x.logger)
	}
	return x
}

// resultError carries a failed handler result through the cache, which
// only stores successes.
type resultError struct{ res handler.Result }

func (e *resultError) Error() string { return e.res.ErrorDetail }

// Execute starts the assigned step e, runs its handler and records the
// outcome. A success completes the step; a timeout reclaims it; any other
// failure goes through the retry policy. Once the step is running the
// returned error only reports that recording the outcome failed.
func (x *Executor) Execute(ctx context.Context, e *step.Execution) error {
	ctx = scope.WithOrg(ctx, e.OrgID)
	// Outcomes are recorded even when the handler context was cancelled.
	rec := context.WithoutCancel(ctx)

	started, err := x.recovery.Start(rec, e.ID, e.AssigneeID)
	if err != nil {
		return fmt.Errorf("worker: start %s: %w", e.ID, err)
	}

	in, tags, err := x.input(rec, started)
	if err != nil {
		_, ferr := x.recovery.Fail(rec, started.ID, started.Attempt, err.Error(), true)
		return errors.Join(err, ferr)
	}

	res := x.run(ctx, started, in, tags)
	return x.record(rec, started, res)
}

func (x *Executor) input(ctx context.Context, e *step.Execution) (handler.Input, []string, error) {
	inst, err := x.store.GetInstance(ctx, e.InstanceID)
	if err != nil {
		return handler.Input{}, nil, fmt.Errorf("load instance: %w", err)
	}
	steps, err := x.store.ListSteps(ctx, e.InstanceID)
	if err != nil {
		return handler.Input{}, nil, fmt.Errorf("load steps: %w", err)
	}
	deps := make(map[string]bool, len(e.DependsOn))
	for _, d := range e.DependsOn {
		deps[d] = true
	}
	upstream := make(map[string]json.RawMessage, len(deps))
	for _, s := range steps {
		if deps[s.StepID] && s.Status == step.StatusCompleted {
			upstream[s.StepID] = s.Result
		}
	}
	return handler.Input{
		InstanceID: e.InstanceID,
		StepExecID: e.ID,
		StepID:     e.StepID,
		TaskType:   e.TaskType,
		OrgID:      e.OrgID,
		Attempt:    e.Attempt,
		Context:    inst.Context,
		Upstream:   upstream,
	}, inst.EntityRefs, nil
}

func (x *Executor) run(ctx context.Context, e *step.Execution, in handler.Input, tags []string) handler.Result {
	call := func(ctx context.Context) handler.Result {
		h, ok := x.handlers.Get(e.TaskType)
		if !ok {
			return handler.Fail(fmt.Errorf("%w: %q", tenantflow.ErrHandlerNotFound, e.TaskType))
		}
		return x.mw(ctx, e, func(ctx context.Context) handler.Result {
			return h.Execute(ctx, in)
		})
	}
	if !e.Cacheable || x.cache == nil {
		return call(ctx)
	}

	payload, err := in.Payload()
	if err != nil {
		return handler.Fail(fmt.Errorf("encode cache input: %w", err))
	}
	key, err := cache.Key(e.TemplateName, e.TemplateVersion, e.StepID, e.OrgID, payload)
	if err != nil {
		x.logger.Warn("cache key failed, running uncached",
			slog.String("step_exec_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
		return call(ctx)
	}
	ttl := time.Duration(e.CacheTTLSeconds) * time.Second
	value, hit, err := x.cache.Do(ctx, key, e.OrgID, tags, ttl, func(ctx context.Context) ([]byte, error) {
		res := call(ctx)
		if res.Status != handler.StatusSuccess {
			return nil, &resultError{res: res}
		}
		return res.Output, nil
	})
	if err != nil {
		var re *resultError
		if errors.As(err, &re) {
			return re.res
		}
		return handler.Retry(err)
	}
	if hit {
		x.logger.Debug("step served from cache",
			slog.String("step_exec_id", e.ID.String()),
			slog.String("step_id", e.StepID),
		)
		x.extensions.EmitStepCacheHit(ctx, e)
	}
	return handler.Succeed(value)
}

func (x *Executor) record(ctx context.Context, e *step.Execution, res handler.Result) error {
	var err error
	switch {
	case res.Status == handler.StatusSuccess:
		_, err = x.recovery.Complete(ctx, e.ID, e.Attempt, res.Output)
	case middleware.TimedOut(res):
		_, err = x.recovery.Reclaim(ctx, e.ID, e.Attempt, fmt.Sprintf("timeout %s exceeded", e.Timeout()))
	default:
		_, err = x.recovery.Fail(ctx, e.ID, e.Attempt, res.ErrorDetail, res.Status == handler.StatusRetryable)
	}
	if errors.Is(err, tenantflow.ErrStaleResult) {
		// The step was reclaimed, skipped or cancelled while the handler ran.
		return nil
	}
	return err
}
