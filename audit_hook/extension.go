package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Extension)(nil)
	_ ext.InstanceCreated   = (*Extension)(nil)
	_ ext.InstanceCompleted = (*Extension)(nil)
	_ ext.InstanceFailed    = (*Extension)(nil)
	_ ext.InstancePaused    = (*Extension)(nil)
	_ ext.InstanceCancelled = (*Extension)(nil)
	_ ext.StepAssigned      = (*Extension)(nil)
	_ ext.StepCompleted     = (*Extension)(nil)
	_ ext.StepFailed        = (*Extension)(nil)
	_ ext.StepReclaimed     = (*Extension)(nil)
	_ ext.StepStarved       = (*Extension)(nil)
	_ ext.IsolationViolated = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	OrgID      string         `json:"org_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes every audit event as one structured log record.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("org_id", evt.OrgID),
			slog.String("category", evt.Category),
			slog.String("outcome", evt.Outcome),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		if len(evt.Metadata) > 0 {
			attrs = append(attrs, slog.Any("metadata", evt.Metadata))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Extension records tenantflow lifecycle events through a [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Instance lifecycle hooks ────────────────────────

// OnInstanceCreated implements ext.InstanceCreated.
func (e *Extension) OnInstanceCreated(ctx context.Context, inst *instance.Instance) error {
	return e.recordInstance(ctx, ActionInstanceCreated, SeverityInfo, OutcomeSuccess, inst, "",
		"template", inst.TemplateName,
		"template_version", inst.TemplateVersion,
	)
}

// OnInstanceCompleted implements ext.InstanceCompleted.
func (e *Extension) OnInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error {
	severity := SeverityInfo
	if inst.Status == instance.StatusCompletedWithExceptions {
		severity = SeverityWarning
	}
	return e.recordInstance(ctx, ActionInstanceCompleted, severity, OutcomeSuccess, inst, "",
		"template", inst.TemplateName,
		"status", string(inst.Status),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnInstanceFailed implements ext.InstanceFailed.
func (e *Extension) OnInstanceFailed(ctx context.Context, inst *instance.Instance, blockingStepID, reason string) error {
	return e.recordInstance(ctx, ActionInstanceFailed, SeverityCritical, OutcomeFailure, inst, reason,
		"template", inst.TemplateName,
		"blocking_step_id", blockingStepID,
	)
}

// OnInstancePaused implements ext.InstancePaused.
func (e *Extension) OnInstancePaused(ctx context.Context, inst *instance.Instance) error {
	return e.recordInstance(ctx, ActionInstancePaused, SeverityInfo, OutcomeSuccess, inst, inst.StatusReason,
		"template", inst.TemplateName,
	)
}

// OnInstanceCancelled implements ext.InstanceCancelled.
func (e *Extension) OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error {
	return e.recordInstance(ctx, ActionInstanceCancelled, SeverityWarning, OutcomeSuccess, inst, inst.StatusReason,
		"template", inst.TemplateName,
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepAssigned implements ext.StepAssigned.
func (e *Extension) OnStepAssigned(ctx context.Context, s *step.Execution, score float64) error {
	return e.recordStep(ctx, ActionStepAssigned, SeverityInfo, OutcomeSuccess, s, "",
		"assignee_id", s.AssigneeID,
		"score", score,
	)
}

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, s *step.Execution, elapsed time.Duration) error {
	return e.recordStep(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess, s, "",
		"assignee_id", s.AssigneeID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed.
func (e *Extension) OnStepFailed(ctx context.Context, s *step.Execution, reason string) error {
	severity := SeverityWarning
	if s.Critical {
		severity = SeverityCritical
	}
	return e.recordStep(ctx, ActionStepFailed, severity, OutcomeFailure, s, reason,
		"assignee_id", s.AssigneeID,
		"critical", s.Critical,
	)
}

// OnStepReclaimed implements ext.StepReclaimed.
func (e *Extension) OnStepReclaimed(ctx context.Context, s *step.Execution, reason string) error {
	return e.recordStep(ctx, ActionStepReclaimed, SeverityWarning, OutcomeFailure, s, reason,
		"attempt", s.Attempt,
	)
}

// OnStepStarved implements ext.StepStarved.
func (e *Extension) OnStepStarved(ctx context.Context, s *step.Execution, waited time.Duration) error {
	return e.recordStep(ctx, ActionStepStarved, SeverityWarning, OutcomeFailure, s, "no eligible actor",
		"waited_ms", waited.Milliseconds(),
		"required_skill_tags", s.RequiredSkillTags,
	)
}

// ── Security hooks ──────────────────────────────────

// OnIsolationViolated implements ext.IsolationViolated. The event is
// attributed to the organization that attempted the access.
func (e *Extension) OnIsolationViolated(ctx context.Context, v *tenantflow.IsolationViolation) error {
	return e.record(ctx, &AuditEvent{
		Action:     ActionIsolationViolated,
		Resource:   v.Resource,
		Category:   CategorySecurity,
		OrgID:      v.ContextOrg,
		ResourceID: v.ResourceID,
		Outcome:    OutcomeDenied,
		Severity:   SeverityCritical,
		Reason:     v.Error(),
	}, "op", v.Op, "owner_org_id", v.RowOrg)
}

// ── Internal helpers ────────────────────────────────

func (e *Extension) recordInstance(ctx context.Context, action, severity, outcome string, inst *instance.Instance, reason string, kvPairs ...any) error {
	return e.record(ctx, &AuditEvent{
		Action:     action,
		Resource:   ResourceInstance,
		Category:   CategoryInstance,
		OrgID:      inst.OrgID,
		ResourceID: inst.ID.String(),
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}, kvPairs...)
}

func (e *Extension) recordStep(ctx context.Context, action, severity, outcome string, s *step.Execution, reason string, kvPairs ...any) error {
	kvPairs = append(kvPairs,
		"instance_id", s.InstanceID.String(),
		"step_id", s.StepID,
		"task_type", s.TaskType,
	)
	return e.record(ctx, &AuditEvent{
		Action:     action,
		Resource:   ResourceStep,
		Category:   CategoryStep,
		OrgID:      s.OrgID,
		ResourceID: s.ID.String(),
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}, kvPairs...)
}

// record fills Metadata from kvPairs and sends evt if its action is
// enabled. Recorder errors are logged, never returned.
func (e *Extension) record(ctx context.Context, evt *AuditEvent, kvPairs ...any) error {
	if e.enabled != nil && !e.enabled[evt.Action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}
	evt.Metadata = meta
	evt.At = e.now().UTC()

	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
