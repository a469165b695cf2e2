package template_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/tenantflow/template"
)

const taxPrep = `
name: tax-prep
description: Individual return preparation
steps:
  - id: collect-documents
    taskType: documents.collect
    priority: 5
    estimatedDurationMinutes: 30
    requiredSkillTags: [intake]
  - id: review
    taskType: tax.review
    dependsOn: [collect-documents]
    priority: 8
    estimatedDurationMinutes: 90
    cacheable: true
    cacheTTLSeconds: 3600
    requiredSkillTags: [tax, review]
    isCritical: true
    maxRetries: 3
    timeoutSeconds: 600
`

func TestParseYAML(t *testing.T) {
	tpl, err := template.ParseYAML([]byte(taxPrep))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	if tpl.Name != "tax-prep" || len(tpl.Steps) != 2 {
		t.Fatalf("got name %q with %d steps", tpl.Name, len(tpl.Steps))
	}

	review := tpl.Steps[1]
	if review.TaskType != "tax.review" || !review.IsCritical || !review.Cacheable {
		t.Errorf("review step decoded wrong: %+v", review)
	}
	if len(review.DependsOn) != 1 || review.DependsOn[0] != "collect-documents" {
		t.Errorf("DependsOn = %v", review.DependsOn)
	}
	if review.CacheTTL() != time.Hour {
		t.Errorf("CacheTTL = %v, want 1h", review.CacheTTL())
	}
	if review.Timeout(time.Minute) != 10*time.Minute {
		t.Errorf("Timeout = %v, want 10m", review.Timeout(time.Minute))
	}
	if got := tpl.Steps[0].Retries(3); got != 3 {
		t.Errorf("Retries fallback = %d, want 3", got)
	}
}

func TestParseYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"missing name", "steps: []"},
		{"unknown field", "name: x\nbogus: 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := template.ParseYAML([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(taxPrep), 0o600); err != nil {
		t.Fatal(err)
	}
	jsonDoc := `{"name":"onboarding","steps":[{"id":"kyc","taskType":"kyc.check"}]}`
	if err := os.WriteFile(filepath.Join(dir, "a.json"), []byte(jsonDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := template.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(got) != 2 || got[0].Name != "onboarding" || got[1].Name != "tax-prep" {
		t.Fatalf("LoadDir returned %d templates in wrong order", len(got))
	}
}
