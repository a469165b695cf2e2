package instance_test

import (
	"testing"
	"time"

	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/template"
)

func TestMaterialize_Defaults(t *testing.T) {
	review := template.StepDefinition{ID: "review", TaskType: "review", DependsOn: []string{"extract"}, TimeoutSeconds: 7200}
	dag, err := graph.Compile(&template.Template{Name: "engagement", Version: 1, Steps: []template.StepDefinition{
		{ID: "extract", TaskType: "extract"},
		{ID: "score", TaskType: "score", DependsOn: []string{"extract"}, TimeoutSeconds: 30, MaxRetries: 5},
		review,
		{ID: "letter", TaskType: "letter", DependsOn: []string{"review"}},
	}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	inst := &instance.Instance{ID: id.NewInstanceID(), OrgID: "org_a", TemplateName: "engagement", TemplateVersion: 1, Graph: dag}

	execs := instance.Materialize(inst, instance.MaterializeOpts{
		DefaultMaxRetries: 3,
		DefaultTimeout:    15 * time.Minute,
		Automated:         func(taskType string) bool { return taskType == "extract" || taskType == "score" },
	})

	tests := []struct {
		stepID    string
		automated bool
		timeout   time.Duration
		retries   int
	}{
		{"extract", true, 15 * time.Minute, 3},
		{"score", true, 30 * time.Second, 5},
		{"review", false, 2 * time.Hour, 3},
		{"letter", false, 0, 3},
	}
	if len(execs) != len(tests) {
		t.Fatalf("steps = %d, want %d", len(execs), len(tests))
	}
	for i, tt := range tests {
		t.Run(tt.stepID, func(t *testing.T) {
			e := execs[i]
			if e.StepID != tt.stepID || e.OrgID != "org_a" || e.InstanceID != inst.ID {
				t.Fatalf("step %d = %s in %s/%s", i, e.StepID, e.OrgID, e.InstanceID)
			}
			if e.Status != step.StatusPending || e.Attempt != 1 {
				t.Errorf("status = %s attempt %d", e.Status, e.Attempt)
			}
			if e.Automated != tt.automated {
				t.Errorf("automated = %v, want %v", e.Automated, tt.automated)
			}
			if e.Timeout() != tt.timeout {
				t.Errorf("timeout = %v, want %v", e.Timeout(), tt.timeout)
			}
			if e.MaxRetries != tt.retries {
				t.Errorf("max retries = %d, want %d", e.MaxRetries, tt.retries)
			}
		})
	}
}
