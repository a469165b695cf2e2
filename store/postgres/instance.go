package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const instanceColumns = `
	id, org_id, template_name, template_version, status, context, entity_refs,
	graph, blocking_step_id, status_reason, started_at, finished_at, version,
	created_at, updated_at`

// CreateInstance persists the instance and its materialised steps in a single
// transaction.
func (s *Store) CreateInstance(ctx context.Context, inst *instance.Instance, steps []*step.Execution) error {
	g, err := json.Marshal(inst.Graph)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: encode graph: %w", err)
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO tenantflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			inst.ID.String(), inst.OrgID, inst.TemplateName, inst.TemplateVersion,
			string(inst.Status), nullIfEmpty(inst.Context), inst.EntityRefs,
			g, inst.BlockingStepID, inst.StatusReason, inst.StartedAt, inst.FinishedAt,
			inst.Version, inst.CreatedAt, inst.UpdatedAt,
		)
		if err != nil {
			return err
		}
		for _, e := range steps {
			if err := insertStep(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return tenantflow.ErrInstanceExists
		}
		return fmt.Errorf("tenantflow/postgres: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instanceID id.InstanceID) (*instance.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM tenantflow_instances
		WHERE id = $1`,
		instanceID.String(),
	)
	inst, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenantflow.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("tenantflow/postgres: get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance writes inst if the stored version still equals
// inst.Version. The graph snapshot is immutable and never rewritten.
func (s *Store) UpdateInstance(ctx context.Context, inst *instance.Instance) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenantflow_instances SET
			status = $3, context = $4, entity_refs = $5,
			blocking_step_id = $6, status_reason = $7,
			started_at = $8, finished_at = $9,
			version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2`,
		inst.ID.String(), inst.Version,
		string(inst.Status), nullIfEmpty(inst.Context), inst.EntityRefs,
		inst.BlockingStepID, inst.StatusReason,
		inst.StartedAt, inst.FinishedAt, now,
	)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, "tenantflow_instances", inst.ID.String(), tenantflow.ErrInstanceNotFound)
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// ListInstances returns instances matching opts ordered by creation time.
func (s *Store) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	statuses := make([]string, len(opts.Statuses))
	for i, st := range opts.Statuses {
		statuses[i] = string(st)
	}
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM tenantflow_instances
		WHERE ($1 = '' OR org_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at, id
		LIMIT $3 OFFSET $4`,
		opts.OrgID, statuses, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: list instances: %w", err)
	}
	defer rows.Close()

	var result []*instance.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: scan instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// conflictOrMissing tells a lost compare-and-set from a missing row.
func (s *Store) conflictOrMissing(ctx context.Context, table, rowID string, notFound error) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, rowID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: check %s: %w", table, err)
	}
	if !exists {
		return notFound
	}
	return tenantflow.ErrVersionConflict
}

func scanInstance(row pgx.Row) (*instance.Instance, error) {
	var (
		inst    instance.Instance
		idStr   string
		status  string
		ctxJSON []byte
		g       []byte
	)
	err := row.Scan(
		&idStr, &inst.OrgID, &inst.TemplateName, &inst.TemplateVersion, &status,
		&ctxJSON, &inst.EntityRefs, &g, &inst.BlockingStepID, &inst.StatusReason,
		&inst.StartedAt, &inst.FinishedAt, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if inst.ID, err = id.ParseInstanceID(idStr); err != nil {
		return nil, fmt.Errorf("parse instance id %q: %w", idStr, err)
	}
	inst.Status = instance.Status(status)
	if len(ctxJSON) > 0 {
		inst.Context = json.RawMessage(ctxJSON)
	}
	inst.Graph = new(graph.DAG)
	if err := json.Unmarshal(g, inst.Graph); err != nil {
		return nil, fmt.Errorf("decode instance %s graph: %w", idStr, err)
	}
	return &inst, nil
}
