// Package template defines versioned workflow templates: an ordered list of
// step definitions and the dependency edges between them. A published
// template version is immutable; publishing the same name again creates the
// next version.
package template

import (
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
)

// Template is one published version of a workflow definition.
type Template struct {
	tenantflow.Entity `yaml:"-"`

	ID          id.TemplateID    `json:"id" yaml:"-"`
	Name        string           `json:"name" yaml:"name"`
	Version     int              `json:"version" yaml:"version"`
	Description string           `json:"description,omitempty" yaml:"description"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
	PublishedAt time.Time        `json:"published_at" yaml:"-"`
}

// StepDefinition describes a single step of a template.
type StepDefinition struct {
	ID                       string   `json:"id" yaml:"id"`
	TaskType                 string   `json:"taskType" yaml:"taskType"`
	DependsOn                []string `json:"dependsOn,omitempty" yaml:"dependsOn"`
	Priority                 int      `json:"priority" yaml:"priority"`
	EstimatedDurationMinutes int      `json:"estimatedDurationMinutes" yaml:"estimatedDurationMinutes"`
	Cacheable                bool     `json:"cacheable" yaml:"cacheable"`
	CacheTTLSeconds          int      `json:"cacheTTLSeconds,omitempty" yaml:"cacheTTLSeconds"`
	RequiredSkillTags        []string `json:"requiredSkillTags,omitempty" yaml:"requiredSkillTags"`
	IsCritical               bool     `json:"isCritical" yaml:"isCritical"`
	MaxRetries               int      `json:"maxRetries,omitempty" yaml:"maxRetries"`
	TimeoutSeconds           int      `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds"`
}

// CacheTTL returns the configured cache lifetime.
func (d StepDefinition) CacheTTL() time.Duration {
	return time.Duration(d.CacheTTLSeconds) * time.Second
}

// EstimatedDuration returns the estimate as a duration.
func (d StepDefinition) EstimatedDuration() time.Duration {
	return time.Duration(d.EstimatedDurationMinutes) * time.Minute
}

// Timeout returns the step's maximum execution duration, or fallback when
// the definition leaves it unset.
func (d StepDefinition) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Retries returns the step's retry budget, or fallback when unset.
func (d StepDefinition) Retries(fallback int) int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return fallback
}
