package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/template"
)

const templateColumns = `id, name, version, description, steps, published_at, created_at, updated_at`

// PublishTemplate persists a new template version.
func (s *Store) PublishTemplate(ctx context.Context, t *template.Template) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: encode template steps: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenantflow_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID.String(), t.Name, t.Version, t.Description, steps,
		t.PublishedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tenantflow.ErrTemplateVersionExists
		}
		return fmt.Errorf("tenantflow/postgres: publish template: %w", err)
	}
	return nil
}

// GetTemplate returns a specific version.
func (s *Store) GetTemplate(ctx context.Context, name string, version int) (*template.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM tenantflow_templates
		WHERE name = $1 AND version = $2`,
		name, version,
	)
	return getTemplate(row)
}

// LatestTemplate returns the highest published version of name.
func (s *Store) LatestTemplate(ctx context.Context, name string) (*template.Template, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+templateColumns+`
		FROM tenantflow_templates
		WHERE name = $1
		ORDER BY version DESC
		LIMIT 1`,
		name,
	)
	return getTemplate(row)
}

// ListTemplates returns the latest version of every template, ordered by
// name.
func (s *Store) ListTemplates(ctx context.Context) ([]*template.Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (name) `+templateColumns+`
		FROM tenantflow_templates
		ORDER BY name, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: list templates: %w", err)
	}
	defer rows.Close()

	var result []*template.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: scan template: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func getTemplate(row pgx.Row) (*template.Template, error) {
	t, err := scanTemplate(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenantflow.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("tenantflow/postgres: get template: %w", err)
	}
	return t, nil
}

func scanTemplate(row pgx.Row) (*template.Template, error) {
	var (
		t     template.Template
		idStr string
		steps []byte
	)
	err := row.Scan(
		&idStr, &t.Name, &t.Version, &t.Description, &steps,
		&t.PublishedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.ID, err = id.ParseTemplateID(idStr); err != nil {
		return nil, fmt.Errorf("parse template id %q: %w", idStr, err)
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("decode template %s steps: %w", t.Name, err)
	}
	return &t, nil
}
