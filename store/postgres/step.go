package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/step"
)

const stepColumns = `
	id, instance_id, org_id, template_name, template_version, step_id,
	task_type, idx, depends_on, priority, estimated_minutes,
	required_skill_tags, critical, cacheable, cache_ttl_seconds,
	timeout_seconds, max_retries, automated, status, assignee_id, attempt,
	result, error_detail, ready_at, not_before, assigned_at, started_at,
	checkpoint_at, heartbeat_at, finished_at, version, created_at, updated_at`

func insertStep(ctx context.Context, q querier, e *step.Execution) error {
	_, err := q.Exec(ctx, `
		INSERT INTO tenantflow_steps (`+stepColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31, $32, $33
		)`,
		e.ID.String(), e.InstanceID.String(), e.OrgID, e.TemplateName, e.TemplateVersion, e.StepID,
		e.TaskType, e.Index, e.DependsOn, e.Priority, e.EstimatedMinutes,
		e.RequiredSkillTags, e.Critical, e.Cacheable, e.CacheTTLSeconds,
		e.TimeoutSeconds, e.MaxRetries, e.Automated, string(e.Status), e.AssigneeID, e.Attempt,
		nullIfEmpty(e.Result), e.ErrorDetail, e.ReadyAt, e.NotBefore, e.AssignedAt, e.StartedAt,
		e.CheckpointAt, e.HeartbeatAt, e.FinishedAt, e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

// GetStep retrieves a step execution by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*step.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stepColumns+`
		FROM tenantflow_steps
		WHERE id = $1`,
		stepID.String(),
	)
	e, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenantflow.ErrStepNotFound
		}
		return nil, fmt.Errorf("tenantflow/postgres: get step: %w", err)
	}
	return e, nil
}

// ListSteps returns every step of an instance in template order.
func (s *Store) ListSteps(ctx context.Context, instanceID id.InstanceID) ([]*step.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+`
		FROM tenantflow_steps
		WHERE instance_id = $1
		ORDER BY idx`,
		instanceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: list steps: %w", err)
	}
	return collectSteps(rows)
}

// filterArgs returns the WHERE clause shared by FindSteps and CountSteps and
// its four arguments.
func filterArgs(f step.Filter) (string, []any) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	where := `
		WHERE ($1 = '' OR org_id = $1)
		  AND ($2 = '' OR instance_id = $2)
		  AND ($3 = '' OR assignee_id = $3)
		  AND (cardinality($4::text[]) = 0 OR status = ANY($4))`
	return where, []any{f.OrgID, f.InstanceID.String(), f.AssigneeID, statuses}
}

// FindSteps returns steps matching f ordered by priority (descending) then
// template order.
func (s *Store) FindSteps(ctx context.Context, f step.Filter) ([]*step.Execution, error) {
	where, args := filterArgs(f)
	var limit *int
	if f.Limit > 0 {
		limit = &f.Limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+`
		FROM tenantflow_steps`+where+`
		ORDER BY priority DESC, instance_id, idx
		LIMIT $5`,
		append(args, limit)...,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: find steps: %w", err)
	}
	return collectSteps(rows)
}

// CountSteps returns the number of steps matching f.
func (s *Store) CountSteps(ctx context.Context, f step.Filter) (int, error) {
	where, args := filterArgs(f)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenantflow_steps`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("tenantflow/postgres: count steps: %w", err)
	}
	return n, nil
}

// updateStep writes the mutable columns of e when the stored version matches.
// It reports false when no row matched.
func updateStep(ctx context.Context, q querier, e *step.Execution, now time.Time) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE tenantflow_steps SET
			status = $3, assignee_id = $4, attempt = $5, result = $6,
			error_detail = $7, ready_at = $8, not_before = $9,
			assigned_at = $10, started_at = $11, checkpoint_at = $12,
			heartbeat_at = $13, finished_at = $14,
			version = version + 1, updated_at = $15
		WHERE id = $1 AND version = $2`,
		e.ID.String(), e.Version,
		string(e.Status), e.AssigneeID, e.Attempt, nullIfEmpty(e.Result),
		e.ErrorDetail, e.ReadyAt, e.NotBefore,
		e.AssignedAt, e.StartedAt, e.CheckpointAt,
		e.HeartbeatAt, e.FinishedAt, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateStep writes e if the stored version equals e.Version and then
// increments e.Version.
func (s *Store) UpdateStep(ctx context.Context, e *step.Execution) error {
	now := time.Now().UTC()
	ok, err := updateStep(ctx, s.pool, e, now)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: update step: %w", err)
	}
	if !ok {
		return s.conflictOrMissing(ctx, "tenantflow_steps", e.ID.String(), tenantflow.ErrStepNotFound)
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// StartStep updates e and records cp in one transaction.
func (s *Store) StartStep(ctx context.Context, e *step.Execution, cp *step.Checkpoint) error {
	now := time.Now().UTC()
	var matched bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		ok, err := updateStep(ctx, tx, e, now)
		if err != nil || !ok {
			return err
		}
		matched = true
		_, err = tx.Exec(ctx, `
			INSERT INTO tenantflow_checkpoints (
				id, step_execution_id, instance_id, org_id, actor_id, attempt, recorded_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cp.ID.String(), cp.StepExecutionID.String(), cp.InstanceID.String(),
			cp.OrgID, cp.ActorID, cp.Attempt, cp.RecordedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: start step: %w", err)
	}
	if !matched {
		return s.conflictOrMissing(ctx, "tenantflow_steps", e.ID.String(), tenantflow.ErrStepNotFound)
	}
	e.Version++
	e.UpdatedAt = now
	return nil
}

// HeartbeatStep refreshes heartbeat_at of a running step still on attempt.
func (s *Store) HeartbeatStep(ctx context.Context, stepID id.StepID, attempt int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenantflow_steps SET heartbeat_at = $3
		WHERE id = $1 AND attempt = $2 AND status = $4`,
		stepID.String(), attempt, at, string(step.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: heartbeat step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err := s.conflictOrMissing(ctx, "tenantflow_steps", stepID.String(), tenantflow.ErrStepNotFound)
		if errors.Is(err, tenantflow.ErrVersionConflict) {
			return tenantflow.ErrStaleResult
		}
		return err
	}
	return nil
}

// ListCheckpoints returns the checkpoints of a step, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, stepID id.StepID) ([]*step.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, step_execution_id, instance_id, org_id, actor_id, attempt, recorded_at
		FROM tenantflow_checkpoints
		WHERE step_execution_id = $1
		ORDER BY recorded_at, id`,
		stepID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*step.Checkpoint
	for rows.Next() {
		var (
			cp                     step.Checkpoint
			cpID, stepStr, instStr string
		)
		if err := rows.Scan(&cpID, &stepStr, &instStr, &cp.OrgID, &cp.ActorID, &cp.Attempt, &cp.RecordedAt); err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: scan checkpoint: %w", err)
		}
		if cp.ID, err = id.ParseWithPrefix(cpID, id.PrefixCheckpoint); err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: parse checkpoint id %q: %w", cpID, err)
		}
		if cp.StepExecutionID, err = id.ParseStepID(stepStr); err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: parse step id %q: %w", stepStr, err)
		}
		if cp.InstanceID, err = id.ParseInstanceID(instStr); err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: parse instance id %q: %w", instStr, err)
		}
		result = append(result, &cp)
	}
	return result, rows.Err()
}

func collectSteps(rows pgx.Rows) ([]*step.Execution, error) {
	defer rows.Close()

	var result []*step.Execution
	for rows.Next() {
		e, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: scan step: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanStep(row pgx.Row) (*step.Execution, error) {
	var (
		e              step.Execution
		idStr, instStr string
		status         string
		result         []byte
	)
	err := row.Scan(
		&idStr, &instStr, &e.OrgID, &e.TemplateName, &e.TemplateVersion, &e.StepID,
		&e.TaskType, &e.Index, &e.DependsOn, &e.Priority, &e.EstimatedMinutes,
		&e.RequiredSkillTags, &e.Critical, &e.Cacheable, &e.CacheTTLSeconds,
		&e.TimeoutSeconds, &e.MaxRetries, &e.Automated, &status, &e.AssigneeID, &e.Attempt,
		&result, &e.ErrorDetail, &e.ReadyAt, &e.NotBefore, &e.AssignedAt, &e.StartedAt,
		&e.CheckpointAt, &e.HeartbeatAt, &e.FinishedAt, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.ID, err = id.ParseStepID(idStr); err != nil {
		return nil, fmt.Errorf("parse step id %q: %w", idStr, err)
	}
	if e.InstanceID, err = id.ParseInstanceID(instStr); err != nil {
		return nil, fmt.Errorf("parse instance id %q: %w", instStr, err)
	}
	e.Status = step.Status(status)
	if len(result) > 0 {
		e.Result = json.RawMessage(result)
	}
	return &e, nil
}
