package observability

import (
	"context"
	"time"

	gu "github.com/xraph/go-utils/metrics"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.InstanceCreated   = (*MetricsExtension)(nil)
	_ ext.InstanceCompleted = (*MetricsExtension)(nil)
	_ ext.InstanceFailed    = (*MetricsExtension)(nil)
	_ ext.InstanceCancelled = (*MetricsExtension)(nil)
	_ ext.StepAssigned      = (*MetricsExtension)(nil)
	_ ext.StepCompleted     = (*MetricsExtension)(nil)
	_ ext.StepCacheHit      = (*MetricsExtension)(nil)
	_ ext.StepRetrying      = (*MetricsExtension)(nil)
	_ ext.StepFailed        = (*MetricsExtension)(nil)
	_ ext.StepReclaimed     = (*MetricsExtension)(nil)
	_ ext.StepStarved       = (*MetricsExtension)(nil)
	_ ext.IsolationViolated = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle counters via a go-utils MetricFactory.
type MetricsExtension struct {
	InstanceCreated    gu.Counter
	InstanceCompleted  gu.Counter
	InstanceFailed     gu.Counter
	InstanceCancelled  gu.Counter
	StepAssigned       gu.Counter
	StepCompleted      gu.Counter
	StepCacheHit       gu.Counter
	StepRetried        gu.Counter
	StepFailed         gu.Counter
	StepReclaimed      gu.Counter
	StepStarved        gu.Counter
	IsolationViolation gu.Counter
}

// NewMetricsExtension creates a MetricsExtension using a default metrics collector.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithFactory(gu.NewMetricsCollector("tenantflow/observability"))
}

// NewMetricsExtensionWithFactory creates a MetricsExtension with the provided MetricFactory.
// Use fapp.Metrics() in forge extensions, or gu.NewMetricsCollector for testing.
func NewMetricsExtensionWithFactory(factory gu.MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		InstanceCreated:    factory.Counter("tenantflow.instance.created"),
		InstanceCompleted:  factory.Counter("tenantflow.instance.completed"),
		InstanceFailed:     factory.Counter("tenantflow.instance.failed"),
		InstanceCancelled:  factory.Counter("tenantflow.instance.cancelled"),
		StepAssigned:       factory.Counter("tenantflow.step.assigned"),
		StepCompleted:      factory.Counter("tenantflow.step.completed"),
		StepCacheHit:       factory.Counter("tenantflow.step.cache_hit"),
		StepRetried:        factory.Counter("tenantflow.step.retried"),
		StepFailed:         factory.Counter("tenantflow.step.failed"),
		StepReclaimed:      factory.Counter("tenantflow.step.reclaimed"),
		StepStarved:        factory.Counter("tenantflow.step.starved"),
		IsolationViolation: factory.Counter("tenantflow.isolation.violation"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Instance lifecycle hooks ────────────────────────

// OnInstanceCreated implements ext.InstanceCreated.
func (m *MetricsExtension) OnInstanceCreated(_ context.Context, _ *instance.Instance) error {
	m.InstanceCreated.Inc()
	return nil
}

// OnInstanceCompleted implements ext.InstanceCompleted.
func (m *MetricsExtension) OnInstanceCompleted(_ context.Context, _ *instance.Instance, _ time.Duration) error {
	m.InstanceCompleted.Inc()
	return nil
}

// OnInstanceFailed implements ext.InstanceFailed.
func (m *MetricsExtension) OnInstanceFailed(_ context.Context, _ *instance.Instance, _, _ string) error {
	m.InstanceFailed.Inc()
	return nil
}

// OnInstanceCancelled implements ext.InstanceCancelled.
func (m *MetricsExtension) OnInstanceCancelled(_ context.Context, _ *instance.Instance) error {
	m.InstanceCancelled.Inc()
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepAssigned implements ext.StepAssigned.
func (m *MetricsExtension) OnStepAssigned(_ context.Context, _ *step.Execution, _ float64) error {
	m.StepAssigned.Inc()
	return nil
}

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(_ context.Context, _ *step.Execution, _ time.Duration) error {
	m.StepCompleted.Inc()
	return nil
}

// OnStepCacheHit implements ext.StepCacheHit.
func (m *MetricsExtension) OnStepCacheHit(_ context.Context, _ *step.Execution) error {
	m.StepCacheHit.Inc()
	return nil
}

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(_ context.Context, _ *step.Execution, _ int, _ time.Time) error {
	m.StepRetried.Inc()
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(_ context.Context, _ *step.Execution, _ string) error {
	m.StepFailed.Inc()
	return nil
}

// OnStepReclaimed implements ext.StepReclaimed.
func (m *MetricsExtension) OnStepReclaimed(_ context.Context, _ *step.Execution, _ string) error {
	m.StepReclaimed.Inc()
	return nil
}

// OnStepStarved implements ext.StepStarved.
func (m *MetricsExtension) OnStepStarved(_ context.Context, _ *step.Execution, _ time.Duration) error {
	m.StepStarved.Inc()
	return nil
}

// ── Security hooks ──────────────────────────────────

// OnIsolationViolated implements ext.IsolationViolated.
func (m *MetricsExtension) OnIsolationViolated(_ context.Context, _ *tenantflow.IsolationViolation) error {
	m.IsolationViolation.Inc()
	return nil
}
