package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/template"
)

// CreateOption configures CreateInstance.
type CreateOption func(*createOptions)

type createOptions struct {
	version    int
	entityRefs []string
}

// WithTemplateVersion pins the template version. The default is the latest
// published version.
func WithTemplateVersion(v int) CreateOption {
	return func(o *createOptions) { o.version = v }
}

// WithEntityRefs tags the instance with the business entities it works on,
// for example "client:42". Cached step results are invalidated through
// these refs.
func WithEntityRefs(refs ...string) CreateOption {
	return func(o *createOptions) { o.entityRefs = append(o.entityRefs, refs...) }
}

// PublishTemplate validates t and publishes it as the next version of its
// name. Publishing a definition identical to the latest version returns
// that version.
func (eng *Engine) PublishTemplate(ctx context.Context, t *template.Template) (*template.Template, error) {
	published, _, err := eng.templates.Publish(ctx, t)
	if err != nil {
		return nil, err
	}
	return published, nil
}

// CreateInstance starts a new instance of the named template for orgID.
// orgID must be the organization carried by ctx. Every step is persisted as
// pending together with the instance, and the scheduler is notified.
func (eng *Engine) CreateInstance(ctx context.Context, templateName, orgID string, input json.RawMessage, opts ...CreateOption) (*instance.Instance, error) {
	if err := eng.store.Authorize(ctx, "create", "instance", orgID); err != nil {
		return nil, err
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if len(input) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(input, &obj); err != nil {
			return nil, fmt.Errorf("%w: instance context must be a JSON object: %v", tenantflow.ErrValidation, err)
		}
	}

	tpl, dag, err := eng.templates.Resolve(ctx, templateName, o.version)
	if err != nil {
		return nil, err
	}

	now := eng.clock.Now()
	inst := &instance.Instance{
		Entity:          tenantflow.NewEntity(),
		ID:              id.NewInstanceID(),
		TemplateName:    tpl.Name,
		TemplateVersion: tpl.Version,
		OrgID:           orgID,
		Status:          instance.StatusPending,
		Context:         input,
		EntityRefs:      o.entityRefs,
		Graph:           dag,
	}
	if err := instance.Fire(inst, instance.TriggerStart); err != nil {
		return nil, err
	}
	inst.StartedAt = &now

	steps := instance.Materialize(inst, instance.MaterializeOpts{
		DefaultMaxRetries: eng.cfg.DefaultMaxRetries,
		DefaultTimeout:    eng.cfg.DefaultStepTimeout,
		Automated:         eng.handlers.Has,
	})
	for _, e := range steps {
		if e.Automated {
			if _, err := eng.handlerActor(ctx, orgID); err != nil {
				return nil, fmt.Errorf("engine: provisioning handler actor: %w", err)
			}
			break
		}
	}

	if err := eng.store.CreateInstance(ctx, inst, steps); err != nil {
		return nil, err
	}

	eng.logger.Info("instance created",
		slog.String("instance_id", inst.ID.String()),
		slog.String("org_id", orgID),
		slog.String("template", tpl.Name),
		slog.Int("template_version", tpl.Version),
		slog.Int("steps", len(steps)),
	)
	eng.extensions.EmitInstanceCreated(ctx, inst)
	eng.publish(ctx, event.InstanceCreated, inst)
	return inst, nil
}

// InstanceStatus is a snapshot of an instance and its steps.
type InstanceStatus struct {
	Instance *instance.Instance  `json:"instance"`
	Steps    []*step.Execution   `json:"steps"`
	Counts   map[step.Status]int `json:"counts"`

	// BlockingStepID and Reason name what stopped a failed, paused or
	// cancelled instance.
	BlockingStepID string `json:"blocking_step_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// GetInstanceStatus returns the instance, every step in template order and
// per-status counts.
func (eng *Engine) GetInstanceStatus(ctx context.Context, instanceID id.InstanceID) (*InstanceStatus, error) {
	inst, err := eng.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	steps, err := eng.store.ListSteps(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	st := &InstanceStatus{
		Instance:       inst,
		Steps:          steps,
		Counts:         make(map[step.Status]int),
		BlockingStepID: inst.BlockingStepID,
		Reason:         inst.StatusReason,
	}
	for _, e := range steps {
		st.Counts[e.Status]++
	}
	return st, nil
}

// PauseInstance stops further dispatch for the instance. Steps already
// assigned or running finish normally.
func (eng *Engine) PauseInstance(ctx context.Context, instanceID id.InstanceID, reason string) (*instance.Instance, error) {
	inst, err := instance.Mutate(ctx, eng.store, instanceID, func(inst *instance.Instance) error {
		if err := instance.Fire(inst, instance.TriggerPause); err != nil {
			return err
		}
		inst.StatusReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	eng.logger.Info("instance paused",
		slog.String("instance_id", inst.ID.String()),
		slog.String("org_id", inst.OrgID),
		slog.String("reason", reason),
	)
	eng.extensions.EmitInstancePaused(ctx, inst)
	return inst, nil
}

// ResumeInstance returns a paused instance to running. When every step
// finished while it was paused the instance completes immediately.
func (eng *Engine) ResumeInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	inst, err := instance.Mutate(ctx, eng.store, instanceID, func(inst *instance.Instance) error {
		if err := instance.Fire(inst, instance.TriggerResume); err != nil {
			return err
		}
		inst.StatusReason = ""
		inst.BlockingStepID = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	eng.logger.Info("instance resumed",
		slog.String("instance_id", inst.ID.String()),
		slog.String("org_id", inst.OrgID),
	)

	final, err := eng.recovery.Finalize(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !final.Status.Terminal() {
		eng.publish(ctx, event.InstanceResumed, final)
	}
	return final, nil
}

// CancelInstance cancels the instance. Every unfinished step is skipped,
// running handlers on this node have their context cancelled, and late
// results from any node are discarded.
func (eng *Engine) CancelInstance(ctx context.Context, instanceID id.InstanceID, reason string) (*instance.Instance, error) {
	now := eng.clock.Now()
	inst, err := instance.Mutate(ctx, eng.store, instanceID, func(inst *instance.Instance) error {
		if err := instance.Fire(inst, instance.TriggerCancel); err != nil {
			return err
		}
		inst.StatusReason = reason
		inst.FinishedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	skipped, err := eng.recovery.SkipRemaining(ctx, inst, "instance cancelled", true)
	if err != nil {
		return nil, err
	}
	interrupted := eng.pool.CancelInstance(instanceID)

	eng.logger.Info("instance cancelled",
		slog.String("instance_id", inst.ID.String()),
		slog.String("org_id", inst.OrgID),
		slog.String("reason", reason),
		slog.Int("skipped", skipped),
		slog.Int("interrupted", interrupted),
	)
	eng.extensions.EmitInstanceCancelled(ctx, inst)
	eng.publish(ctx, event.InstanceCancelled, inst)
	return inst, nil
}

// InvalidateEntity drops every cached step result tagged with entityRef in
// the caller's organization and announces the change.
func (eng *Engine) InvalidateEntity(ctx context.Context, entityRef string) (int, error) {
	org, ok := scope.OrgFrom(ctx)
	if !ok {
		return 0, tenantflow.ErrNoOrganization
	}
	n, err := eng.cache.InvalidateEntity(ctx, org, entityRef)
	if err != nil {
		return 0, err
	}
	evt := event.New(event.EntityChanged, org)
	evt.EntityRef = entityRef
	evt.At = eng.clock.Now()
	if err := eng.bus.Publish(ctx, evt); err != nil {
		eng.logger.Warn("publishing entity change",
			slog.String("entity_ref", entityRef),
			slog.String("error", err.Error()),
		)
	}
	return n, nil
}

func (eng *Engine) publish(ctx context.Context, kind event.Kind, inst *instance.Instance) {
	evt := event.New(kind, inst.OrgID)
	evt.InstanceID = inst.ID
	evt.At = eng.clock.Now()
	if err := eng.bus.Publish(ctx, evt); err != nil && !errors.Is(err, context.Canceled) {
		eng.logger.Warn("publishing instance event",
			slog.String("kind", string(kind)),
			slog.String("instance_id", inst.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
