package instance

import (
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/step"
)

// MaterializeOpts supplies the defaults applied to step definitions that
// leave a field unset.
type MaterializeOpts struct {
	DefaultMaxRetries int

	// DefaultTimeout bounds automated steps only. A human step times out
	// only when its definition says so.
	DefaultTimeout time.Duration

	// Automated reports whether a task type has a registered handler.
	Automated func(taskType string) bool
}

// Materialize builds one pending step execution per node of inst.Graph, in
// template order. It is called once at creation; steps are never
// regenerated from a later template version.
func Materialize(inst *Instance, opts MaterializeOpts) []*step.Execution {
	nodes := inst.Graph.Nodes
	out := make([]*step.Execution, len(nodes))
	for i, n := range nodes {
		def := n.Def
		automated := false
		if opts.Automated != nil {
			automated = opts.Automated(def.TaskType)
		}
		var timeout time.Duration
		if automated {
			timeout = opts.DefaultTimeout
		}
		out[i] = &step.Execution{
			Entity:            tenantflow.NewEntity(),
			ID:                id.NewStepID(),
			InstanceID:        inst.ID,
			OrgID:             inst.OrgID,
			TemplateName:      inst.TemplateName,
			TemplateVersion:   inst.TemplateVersion,
			StepID:            def.ID,
			TaskType:          def.TaskType,
			Index:             n.Index,
			DependsOn:         append([]string(nil), def.DependsOn...),
			Priority:          def.Priority,
			EstimatedMinutes:  def.EstimatedDurationMinutes,
			RequiredSkillTags: append([]string(nil), def.RequiredSkillTags...),
			Critical:          def.IsCritical,
			Cacheable:         def.Cacheable,
			CacheTTLSeconds:   def.CacheTTLSeconds,
			TimeoutSeconds:    int(def.Timeout(timeout) / time.Second),
			MaxRetries:        max(1, def.Retries(opts.DefaultMaxRetries)),
			Automated:         automated,
			Status:            step.StatusPending,
			Attempt:           1,
		}
	}
	return out
}
