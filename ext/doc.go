// Package ext defines the extension system for tenantflow.
//
// # Implementing an Extension
//
//	type Notifier struct{}
//
//	func (n *Notifier) Name() string { return "notifier" }
//
//	func (n *Notifier) OnStepStarved(ctx context.Context, e *step.Execution, waited time.Duration) error {
//	    return pager.Send(e.OrgID, e.StepID, waited)
//	}
//
// # Instance Hooks
//
//   - [InstanceCreated]
//   - [InstanceCompleted] (completed or completed_with_exceptions)
//   - [InstanceFailed] (a critical step failed)
//   - [InstancePaused], [InstanceCancelled]
//
// # Step Hooks
//
//   - [StepReady], [StepAssigned], [StepStarted], [StepCompleted]
//   - [StepCacheHit]
//   - [StepRetrying], [StepFailed], [StepReclaimed]
//   - [StepStarved]: no eligible actor past the starvation threshold
//
// # Other Hooks
//
//   - [IsolationViolated]: a security event from the isolation guard
//   - [Shutdown]
//
// Hook errors are logged at warn level and never propagated.
package ext
