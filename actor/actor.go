// Package actor defines the human staff members and automated handlers that
// steps are assigned to. Every actor belongs to exactly one organization.
package actor

import (
	"context"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/id"
)

// Actor is an assignable worker within one organization.
type Actor struct {
	tenantflow.Entity

	ID        id.ActorID `json:"id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	SkillTags []string   `json:"skill_tags,omitempty"`

	WeeklyCapacityMinutes int `json:"weekly_capacity_minutes"`
	CurrentLoadMinutes    int `json:"current_load_minutes"`

	// Seniority runs from 1 (junior) to 5 (principal).
	Seniority int `json:"seniority"`

	// Automated marks a handler-backed actor. Automated steps are only
	// routed to automated actors and manual steps only to humans.
	Automated bool `json:"automated"`
	Active    bool `json:"active"`
}

// RemainingMinutes returns capacity not yet consumed, never negative.
func (a *Actor) RemainingMinutes() int {
	if r := a.WeeklyCapacityMinutes - a.CurrentLoadMinutes; r > 0 {
		return r
	}
	return 0
}

// HasSkill reports whether the actor carries tag.
func (a *Actor) HasSkill(tag string) bool {
	for _, t := range a.SkillTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to mutate.
func (a *Actor) Clone() *Actor {
	cp := *a
	cp.SkillTags = append([]string(nil), a.SkillTags...)
	return &cp
}

// ListOpts filters actor listings.
type ListOpts struct {
	OrgID      string
	ActiveOnly bool
	// Automated filters by kind when non-nil.
	Automated *bool
}

// Store defines the persistence contract for actors.
type Store interface {
	// CreateActor persists a new actor.
	CreateActor(ctx context.Context, a *Actor) error

	// GetActor retrieves an actor by ID.
	GetActor(ctx context.Context, actorID id.ActorID) (*Actor, error)

	// UpdateActor replaces an existing actor's profile. Load is not touched;
	// use AdjustActorLoad for that.
	UpdateActor(ctx context.Context, a *Actor) error

	// ListActors returns actors ordered by ID.
	ListActors(ctx context.Context, opts ListOpts) ([]*Actor, error)

	// AdjustActorLoad atomically adds deltaMinutes to the actor's current
	// load, clamping at zero.
	AdjustActorLoad(ctx context.Context, actorID id.ActorID, deltaMinutes int) error
}
