package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionInstanceCreated   = "instance.created"
	ActionInstanceCompleted = "instance.completed"
	ActionInstanceFailed    = "instance.failed"
	ActionInstancePaused    = "instance.paused"
	ActionInstanceCancelled = "instance.cancelled"
	ActionStepAssigned      = "step.assigned"
	ActionStepCompleted     = "step.completed"
	ActionStepFailed        = "step.failed"
	ActionStepReclaimed     = "step.reclaimed"
	ActionStepStarved       = "step.starved"
	ActionIsolationViolated = "isolation.violated"
)

// Audit event categories group related actions.
const (
	CategoryInstance = "tenantflow.instance"
	CategoryStep     = "tenantflow.step"
	CategorySecurity = "tenantflow.security"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceInstance = "instance"
	ResourceStep     = "step"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionInstanceCreated,
		ActionInstanceCompleted,
		ActionInstanceFailed,
		ActionInstancePaused,
		ActionInstanceCancelled,
		ActionStepAssigned,
		ActionStepCompleted,
		ActionStepFailed,
		ActionStepReclaimed,
		ActionStepStarved,
		ActionIsolationViolated,
	}
}
