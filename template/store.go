package template

import "context"

// Store defines the persistence contract for templates.
type Store interface {
	// PublishTemplate persists a new template version. It returns
	// tenantflow.ErrTemplateVersionExists when (name, version) is taken.
	PublishTemplate(ctx context.Context, t *Template) error

	// GetTemplate returns a specific version.
	GetTemplate(ctx context.Context, name string, version int) (*Template, error)

	// LatestTemplate returns the highest published version of name.
	LatestTemplate(ctx context.Context, name string) (*Template, error)

	// ListTemplates returns the latest version of every template, ordered
	// by name.
	ListTemplates(ctx context.Context) ([]*Template, error)
}
