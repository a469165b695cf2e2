package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type instanceCreatedEntry struct {
	name string
	hook InstanceCreated
}

type instanceCompletedEntry struct {
	name string
	hook InstanceCompleted
}

type instanceFailedEntry struct {
	name string
	hook InstanceFailed
}

type instancePausedEntry struct {
	name string
	hook InstancePaused
}

type instanceCancelledEntry struct {
	name string
	hook InstanceCancelled
}

type stepReadyEntry struct {
	name string
	hook StepReady
}

type stepAssignedEntry struct {
	name string
	hook StepAssigned
}

type stepStartedEntry struct {
	name string
	hook StepStarted
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepCacheHitEntry struct {
	name string
	hook StepCacheHit
}

type stepRetryingEntry struct {
	name string
	hook StepRetrying
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepReclaimedEntry struct {
	name string
	hook StepReclaimed
}

type stepStarvedEntry struct {
	name string
	hook StepStarved
}

type isolationViolatedEntry struct {
	name string
	hook IsolationViolated
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	instanceCreated   []instanceCreatedEntry
	instanceCompleted []instanceCompletedEntry
	instanceFailed    []instanceFailedEntry
	instancePaused    []instancePausedEntry
	instanceCancelled []instanceCancelledEntry
	stepReady         []stepReadyEntry
	stepAssigned      []stepAssignedEntry
	stepStarted       []stepStartedEntry
	stepCompleted     []stepCompletedEntry
	stepCacheHit      []stepCacheHitEntry
	stepRetrying      []stepRetryingEntry
	stepFailed        []stepFailedEntry
	stepReclaimed     []stepReclaimedEntry
	stepStarved       []stepStarvedEntry
	isolationViolated []isolationViolatedEntry
	shutdown          []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(InstanceCreated); ok {
		r.instanceCreated = append(r.instanceCreated, instanceCreatedEntry{name, h})
	}
	if h, ok := e.(InstanceCompleted); ok {
		r.instanceCompleted = append(r.instanceCompleted, instanceCompletedEntry{name, h})
	}
	if h, ok := e.(InstanceFailed); ok {
		r.instanceFailed = append(r.instanceFailed, instanceFailedEntry{name, h})
	}
	if h, ok := e.(InstancePaused); ok {
		r.instancePaused = append(r.instancePaused, instancePausedEntry{name, h})
	}
	if h, ok := e.(InstanceCancelled); ok {
		r.instanceCancelled = append(r.instanceCancelled, instanceCancelledEntry{name, h})
	}
	if h, ok := e.(StepReady); ok {
		r.stepReady = append(r.stepReady, stepReadyEntry{name, h})
	}
	if h, ok := e.(StepAssigned); ok {
		r.stepAssigned = append(r.stepAssigned, stepAssignedEntry{name, h})
	}
	if h, ok := e.(StepStarted); ok {
		r.stepStarted = append(r.stepStarted, stepStartedEntry{name, h})
	}
	if h, ok := e.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, h})
	}
	if h, ok := e.(StepCacheHit); ok {
		r.stepCacheHit = append(r.stepCacheHit, stepCacheHitEntry{name, h})
	}
	if h, ok := e.(StepRetrying); ok {
		r.stepRetrying = append(r.stepRetrying, stepRetryingEntry{name, h})
	}
	if h, ok := e.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, h})
	}
	if h, ok := e.(StepReclaimed); ok {
		r.stepReclaimed = append(r.stepReclaimed, stepReclaimedEntry{name, h})
	}
	if h, ok := e.(StepStarved); ok {
		r.stepStarved = append(r.stepStarved, stepStarvedEntry{name, h})
	}
	if h, ok := e.(IsolationViolated); ok {
		r.isolationViolated = append(r.isolationViolated, isolationViolatedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Instance event emitters
// ──────────────────────────────────────────────────

// EmitInstanceCreated notifies all extensions that implement InstanceCreated.
func (r *Registry) EmitInstanceCreated(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceCreated {
		if err := e.hook.OnInstanceCreated(ctx, inst); err != nil {
			r.logHookError("OnInstanceCreated", e.name, err)
		}
	}
}

// EmitInstanceCompleted notifies all extensions that implement InstanceCompleted.
func (r *Registry) EmitInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) {
	for _, e := range r.instanceCompleted {
		if err := e.hook.OnInstanceCompleted(ctx, inst, elapsed); err != nil {
			r.logHookError("OnInstanceCompleted", e.name, err)
		}
	}
}

// EmitInstanceFailed notifies all extensions that implement InstanceFailed.
func (r *Registry) EmitInstanceFailed(ctx context.Context, inst *instance.Instance, blockingStepID, reason string) {
	for _, e := range r.instanceFailed {
		if err := e.hook.OnInstanceFailed(ctx, inst, blockingStepID, reason); err != nil {
			r.logHookError("OnInstanceFailed", e.name, err)
		}
	}
}

// EmitInstancePaused notifies all extensions that implement InstancePaused.
func (r *Registry) EmitInstancePaused(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instancePaused {
		if err := e.hook.OnInstancePaused(ctx, inst); err != nil {
			r.logHookError("OnInstancePaused", e.name, err)
		}
	}
}

// EmitInstanceCancelled notifies all extensions that implement InstanceCancelled.
func (r *Registry) EmitInstanceCancelled(ctx context.Context, inst *instance.Instance) {
	for _, e := range r.instanceCancelled {
		if err := e.hook.OnInstanceCancelled(ctx, inst); err != nil {
			r.logHookError("OnInstanceCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepReady notifies all extensions that implement StepReady.
func (r *Registry) EmitStepReady(ctx context.Context, e *step.Execution) {
	for _, h := range r.stepReady {
		if err := h.hook.OnStepReady(ctx, e); err != nil {
			r.logHookError("OnStepReady", h.name, err)
		}
	}
}

// EmitStepAssigned notifies all extensions that implement StepAssigned.
func (r *Registry) EmitStepAssigned(ctx context.Context, e *step.Execution, score float64) {
	for _, h := range r.stepAssigned {
		if err := h.hook.OnStepAssigned(ctx, e, score); err != nil {
			r.logHookError("OnStepAssigned", h.name, err)
		}
	}
}

// EmitStepStarted notifies all extensions that implement StepStarted.
func (r *Registry) EmitStepStarted(ctx context.Context, e *step.Execution) {
	for _, h := range r.stepStarted {
		if err := h.hook.OnStepStarted(ctx, e); err != nil {
			r.logHookError("OnStepStarted", h.name, err)
		}
	}
}

// EmitStepCompleted notifies all extensions that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, e *step.Execution, elapsed time.Duration) {
	for _, h := range r.stepCompleted {
		if err := h.hook.OnStepCompleted(ctx, e, elapsed); err != nil {
			r.logHookError("OnStepCompleted", h.name, err)
		}
	}
}

// EmitStepCacheHit notifies all extensions that implement StepCacheHit.
func (r *Registry) EmitStepCacheHit(ctx context.Context, e *step.Execution) {
	for _, h := range r.stepCacheHit {
		if err := h.hook.OnStepCacheHit(ctx, e); err != nil {
			r.logHookError("OnStepCacheHit", h.name, err)
		}
	}
}

// EmitStepRetrying notifies all extensions that implement StepRetrying.
func (r *Registry) EmitStepRetrying(ctx context.Context, e *step.Execution, attempt int, notBefore time.Time) {
	for _, h := range r.stepRetrying {
		if err := h.hook.OnStepRetrying(ctx, e, attempt, notBefore); err != nil {
			r.logHookError("OnStepRetrying", h.name, err)
		}
	}
}

// EmitStepFailed notifies all extensions that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, e *step.Execution, reason string) {
	for _, h := range r.stepFailed {
		if err := h.hook.OnStepFailed(ctx, e, reason); err != nil {
			r.logHookError("OnStepFailed", h.name, err)
		}
	}
}

// EmitStepReclaimed notifies all extensions that implement StepReclaimed.
func (r *Registry) EmitStepReclaimed(ctx context.Context, e *step.Execution, reason string) {
	for _, h := range r.stepReclaimed {
		if err := h.hook.OnStepReclaimed(ctx, e, reason); err != nil {
			r.logHookError("OnStepReclaimed", h.name, err)
		}
	}
}

// EmitStepStarved notifies all extensions that implement StepStarved.
func (r *Registry) EmitStepStarved(ctx context.Context, e *step.Execution, waited time.Duration) {
	for _, h := range r.stepStarved {
		if err := h.hook.OnStepStarved(ctx, e, waited); err != nil {
			r.logHookError("OnStepStarved", h.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitIsolationViolated notifies all extensions that implement IsolationViolated.
func (r *Registry) EmitIsolationViolated(ctx context.Context, v *tenantflow.IsolationViolation) {
	for _, e := range r.isolationViolated {
		if err := e.hook.OnIsolationViolated(ctx, v); err != nil {
			r.logHookError("OnIsolationViolated", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
