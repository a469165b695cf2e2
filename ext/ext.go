// Package ext defines the extension system for tenantflow.
// Extensions are notified of lifecycle events (instance created, step
// assigned, step starved, isolation violated, ...) and can react to them.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Instance lifecycle hooks
// ──────────────────────────────────────────────────

// InstanceCreated is called after an instance and its steps are persisted.
type InstanceCreated interface {
	OnInstanceCreated(ctx context.Context, inst *instance.Instance) error
}

// InstanceCompleted is called when every step of an instance is terminal.
// The instance status tells completed from completed_with_exceptions.
type InstanceCompleted interface {
	OnInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error
}

// InstanceFailed is called when a critical step fails terminally.
type InstanceFailed interface {
	OnInstanceFailed(ctx context.Context, inst *instance.Instance, blockingStepID, reason string) error
}

// InstancePaused is called after an instance is paused.
type InstancePaused interface {
	OnInstancePaused(ctx context.Context, inst *instance.Instance) error
}

// InstanceCancelled is called after an instance is cancelled.
type InstanceCancelled interface {
	OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepReady is called when a step's dependencies are all satisfied.
type StepReady interface {
	OnStepReady(ctx context.Context, e *step.Execution) error
}

// StepAssigned is called after the router's choice is committed.
type StepAssigned interface {
	OnStepAssigned(ctx context.Context, e *step.Execution, score float64) error
}

// StepStarted is called after the running checkpoint is written.
type StepStarted interface {
	OnStepStarted(ctx context.Context, e *step.Execution) error
}

// StepCompleted is called after a result is durably recorded.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, e *step.Execution, elapsed time.Duration) error
}

// StepCacheHit is called when a cacheable step is served from the cache.
type StepCacheHit interface {
	OnStepCacheHit(ctx context.Context, e *step.Execution) error
}

// StepRetrying is called when a failed attempt returns the step to ready.
type StepRetrying interface {
	OnStepRetrying(ctx context.Context, e *step.Execution, attempt int, notBefore time.Time) error
}

// StepFailed is called when a step fails with no retries remaining.
type StepFailed interface {
	OnStepFailed(ctx context.Context, e *step.Execution, reason string) error
}

// StepReclaimed is called when the sweep or a timeout takes a step back
// from its worker.
type StepReclaimed interface {
	OnStepReclaimed(ctx context.Context, e *step.Execution, reason string) error
}

// StepStarved is called once per attempt when a ready step has found no
// eligible actor for longer than the starvation threshold.
type StepStarved interface {
	OnStepStarved(ctx context.Context, e *step.Execution, waited time.Duration) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// IsolationViolated is called when the guard rejects a cross-organization
// access.
type IsolationViolated interface {
	OnIsolationViolated(ctx context.Context, v *tenantflow.IsolationViolation) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
