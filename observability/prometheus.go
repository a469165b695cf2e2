package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
)

var (
	_ ext.Extension         = (*PrometheusExtension)(nil)
	_ ext.InstanceCompleted = (*PrometheusExtension)(nil)
	_ ext.InstanceFailed    = (*PrometheusExtension)(nil)
	_ ext.StepCompleted     = (*PrometheusExtension)(nil)
	_ ext.StepFailed        = (*PrometheusExtension)(nil)
	_ ext.StepReclaimed     = (*PrometheusExtension)(nil)
	_ ext.StepStarved       = (*PrometheusExtension)(nil)
	_ ext.IsolationViolated = (*PrometheusExtension)(nil)
)

// PrometheusExtension exports lifecycle metrics labelled by organization
// and task type.
type PrometheusExtension struct {
	Instances       *prometheus.CounterVec
	InstanceSeconds *prometheus.HistogramVec
	Steps           *prometheus.CounterVec
	StepSeconds     *prometheus.HistogramVec
	Reclaims        *prometheus.CounterVec
	Starvations     *prometheus.CounterVec
	Violations      *prometheus.CounterVec
}

// NewPrometheusExtension registers the collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusExtension(reg prometheus.Registerer) *PrometheusExtension {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusExtension{
		Instances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_instances_finished_total",
			Help: "Workflow instances that reached a terminal status",
		}, []string{"org_id", "template", "status"}),
		InstanceSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenantflow_instance_duration_seconds",
			Help:    "Time from instance start to completion",
			Buckets: []float64{1, 10, 60, 600, 3600, 6 * 3600, 24 * 3600, 7 * 24 * 3600},
		}, []string{"template"}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_steps_finished_total",
			Help: "Step executions that completed or failed terminally",
		}, []string{"org_id", "task_type", "status"}),
		StepSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenantflow_step_duration_seconds",
			Help:    "Step execution time from start to completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_type"}),
		Reclaims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_steps_reclaimed_total",
			Help: "Steps taken back from a stale or timed out worker",
		}, []string{"org_id", "task_type"}),
		Starvations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_steps_starved_total",
			Help: "Starvation alerts fired for ready steps without an eligible actor",
		}, []string{"org_id", "task_type"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantflow_isolation_violations_total",
			Help: "Cross-organization accesses rejected by the isolation guard",
		}, []string{"resource", "op"}),
	}
}

// Name implements ext.Extension.
func (p *PrometheusExtension) Name() string { return "observability-prometheus" }

// OnInstanceCompleted implements ext.InstanceCompleted.
func (p *PrometheusExtension) OnInstanceCompleted(_ context.Context, inst *instance.Instance, elapsed time.Duration) error {
	p.Instances.WithLabelValues(inst.OrgID, inst.TemplateName, string(inst.Status)).Inc()
	p.InstanceSeconds.WithLabelValues(inst.TemplateName).Observe(elapsed.Seconds())
	return nil
}

// OnInstanceFailed implements ext.InstanceFailed.
func (p *PrometheusExtension) OnInstanceFailed(_ context.Context, inst *instance.Instance, _, _ string) error {
	p.Instances.WithLabelValues(inst.OrgID, inst.TemplateName, string(instance.StatusFailed)).Inc()
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (p *PrometheusExtension) OnStepCompleted(_ context.Context, e *step.Execution, elapsed time.Duration) error {
	p.Steps.WithLabelValues(e.OrgID, e.TaskType, string(step.StatusCompleted)).Inc()
	p.StepSeconds.WithLabelValues(e.TaskType).Observe(elapsed.Seconds())
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (p *PrometheusExtension) OnStepFailed(_ context.Context, e *step.Execution, _ string) error {
	p.Steps.WithLabelValues(e.OrgID, e.TaskType, string(step.StatusFailed)).Inc()
	return nil
}

// OnStepReclaimed implements ext.StepReclaimed.
func (p *PrometheusExtension) OnStepReclaimed(_ context.Context, e *step.Execution, _ string) error {
	p.Reclaims.WithLabelValues(e.OrgID, e.TaskType).Inc()
	return nil
}

// OnStepStarved implements ext.StepStarved.
func (p *PrometheusExtension) OnStepStarved(_ context.Context, e *step.Execution, _ time.Duration) error {
	p.Starvations.WithLabelValues(e.OrgID, e.TaskType).Inc()
	return nil
}

// OnIsolationViolated implements ext.IsolationViolated.
func (p *PrometheusExtension) OnIsolationViolated(_ context.Context, v *tenantflow.IsolationViolation) error {
	p.Violations.WithLabelValues(v.Resource, v.Op).Inc()
	return nil
}
