package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/id"
)

const actorColumns = `
	id, org_id, name, skill_tags, weekly_capacity_minutes,
	current_load_minutes, seniority, automated, active, created_at, updated_at`

// CreateActor persists a new actor.
func (s *Store) CreateActor(ctx context.Context, a *actor.Actor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenantflow_actors (`+actorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID.String(), a.OrgID, a.Name, a.SkillTags, a.WeeklyCapacityMinutes,
		a.CurrentLoadMinutes, a.Seniority, a.Automated, a.Active, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tenantflow.ErrActorExists
		}
		return fmt.Errorf("tenantflow/postgres: create actor: %w", err)
	}
	return nil
}

// GetActor retrieves an actor by ID.
func (s *Store) GetActor(ctx context.Context, actorID id.ActorID) (*actor.Actor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+actorColumns+`
		FROM tenantflow_actors
		WHERE id = $1`,
		actorID.String(),
	)
	a, err := scanActor(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tenantflow.ErrActorNotFound
		}
		return nil, fmt.Errorf("tenantflow/postgres: get actor: %w", err)
	}
	return a, nil
}

// UpdateActor replaces the actor's profile. current_load_minutes is left to
// AdjustActorLoad.
func (s *Store) UpdateActor(ctx context.Context, a *actor.Actor) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenantflow_actors SET
			org_id = $2, name = $3, skill_tags = $4,
			weekly_capacity_minutes = $5, seniority = $6,
			automated = $7, active = $8, updated_at = $9
		WHERE id = $1`,
		a.ID.String(), a.OrgID, a.Name, a.SkillTags,
		a.WeeklyCapacityMinutes, a.Seniority,
		a.Automated, a.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: update actor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenantflow.ErrActorNotFound
	}
	return nil
}

// ListActors returns actors matching opts ordered by ID.
func (s *Store) ListActors(ctx context.Context, opts actor.ListOpts) ([]*actor.Actor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+actorColumns+`
		FROM tenantflow_actors
		WHERE ($1 = '' OR org_id = $1)
		  AND (NOT $2 OR active)
		  AND ($3::boolean IS NULL OR automated = $3)
		ORDER BY id`,
		opts.OrgID, opts.ActiveOnly, opts.Automated,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantflow/postgres: list actors: %w", err)
	}
	defer rows.Close()

	var result []*actor.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("tenantflow/postgres: scan actor: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// AdjustActorLoad adds deltaMinutes to the actor's load in a single
// statement, clamping at zero.
func (s *Store) AdjustActorLoad(ctx context.Context, actorID id.ActorID, deltaMinutes int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenantflow_actors
		SET current_load_minutes = GREATEST(0, current_load_minutes + $2)
		WHERE id = $1`,
		actorID.String(), deltaMinutes,
	)
	if err != nil {
		return fmt.Errorf("tenantflow/postgres: adjust actor load: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenantflow.ErrActorNotFound
	}
	return nil
}

func scanActor(row pgx.Row) (*actor.Actor, error) {
	var (
		a     actor.Actor
		idStr string
	)
	err := row.Scan(
		&idStr, &a.OrgID, &a.Name, &a.SkillTags, &a.WeeklyCapacityMinutes,
		&a.CurrentLoadMinutes, &a.Seniority, &a.Automated, &a.Active,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.ID, err = id.ParseActorID(idStr); err != nil {
		return nil, fmt.Errorf("parse actor id %q: %w", idStr, err)
	}
	return &a, nil
}
