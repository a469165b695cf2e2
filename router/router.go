// Package router picks the actor a ready step is assigned to. Candidates
// are filtered (organization first, always before any scoring), scored on
// workload, skill match, availability and priority fit, and the best one is
// chosen if it clears the minimum score. A step nobody clears stays ready;
// that is starvation, which is reported but is not an error.
package router

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/ext"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/step"
)

// defaultQuality is the completion quality assumed when no signal is known.
const defaultQuality = 0.5

// QualitySignal reports an actor's historical completion quality for a task
// type in [0,1].
type QualitySignal interface {
	Quality(ctx context.Context, actorID id.ActorID, taskType string) (float64, bool)
}

// Request is one routing question.
type Request struct {
	Step   *step.Execution
	Actors []*actor.Actor

	// ActiveTasks maps actor id to its assigned+running step count.
	ActiveTasks map[string]int
}

// Score is the breakdown for one candidate. Every component is in [0,100].
type Score struct {
	ActorID      string  `json:"actor_id"`
	Total        float64 `json:"total"`
	Workload     float64 `json:"workload"`
	SkillMatch   float64 `json:"skill_match"`
	Availability float64 `json:"availability"`
	PriorityFit  float64 `json:"priority_fit"`
}

// Exclusion reasons.
const (
	ExcludedOrg      = "other_organization"
	ExcludedInactive = "inactive"
	ExcludedKind     = "kind_mismatch"
	ExcludedSkills   = "no_skill_overlap"
	ExcludedCapped   = "concurrency_cap"
)

// Decision is the router's answer.
type Decision struct {
	// Actor is nil when the step is starved.
	Actor *actor.Actor
	Score Score

	Starved bool
	// Alerted is true when this decision fired the starvation alert.
	Alerted bool
	Waited  time.Duration

	// Ranked holds every scored candidate, best first.
	Ranked   []Score
	Excluded map[string]string
}

// Router scores and selects actors.
type Router struct {
	cfg         tenantflow.RoutingConfig
	maxPerActor int
	quality     QualitySignal
	clock       clock.Clock
	logger      *slog.Logger
	extensions  *ext.Registry

	mu sync.Mutex
	// alerted maps a step execution id to the attempt whose starvation
	// was last reported.
	alerted map[string]int
}

// Option configures a Router.
type Option func(*Router)

// WithQualitySignal sets the completion quality source.
func WithQualitySignal(q QualitySignal) Option { return func(r *Router) { r.quality = q } }

// WithMaxTasksPerActor sets the per-actor concurrency cap. Zero disables it.
func WithMaxTasksPerActor(n int) Option { return func(r *Router) { r.maxPerActor = n } }

// WithClock sets the time source for starvation dwell.
func WithClock(c clock.Clock) Option { return func(r *Router) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithExtensions sets the registry notified of starvation.
func WithExtensions(x *ext.Registry) Option { return func(r *Router) { r.extensions = x } }

// New returns a router using cfg's weights and thresholds.
func New(cfg tenantflow.RoutingConfig, opts ...Option) *Router {
	r := &Router{
		cfg:     cfg,
		clock:   clock.Real{},
		logger:  slog.Default(),
		alerted: make(map[string]int),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Select filters, scores and picks an actor for req.Step. Ties on score
// are broken by ascending actor id.
func (r *Router) Select(ctx context.Context, req Request) Decision {
	e := req.Step
	d := Decision{Excluded: make(map[string]string)}

	for _, a := range req.Actors {
		if reason := r.exclude(e, a, req.ActiveTasks[a.ID.String()]); reason != "" {
			d.Excluded[a.ID.String()] = reason
			continue
		}
		d.Ranked = append(d.Ranked, r.score(ctx, e, a))
	}

	sort.Slice(d.Ranked, func(i, k int) bool {
		if d.Ranked[i].Total != d.Ranked[k].Total {
			return d.Ranked[i].Total > d.Ranked[k].Total
		}
		return d.Ranked[i].ActorID < d.Ranked[k].ActorID
	})

	if len(d.Ranked) > 0 && d.Ranked[0].Total > r.cfg.MinScore {
		d.Score = d.Ranked[0]
		for _, a := range req.Actors {
			if a.ID.String() == d.Score.ActorID {
				d.Actor = a
				break
			}
		}
		r.forget(e)
		return d
	}

	d.Starved = true
	if e.ReadyAt != nil {
		d.Waited = r.clock.Now().Sub(*e.ReadyAt)
	}
	if d.Waited > r.cfg.StarvationThreshold && r.markAlerted(e) {
		d.Alerted = true
		best := 0.0
		if len(d.Ranked) > 0 {
			best = d.Ranked[0].Total
		}
		r.logger.Warn("step starved",
			slog.String("step_exec_id", e.ID.String()),
			slog.String("step_id", e.StepID),
			slog.String("instance_id", e.InstanceID.String()),
			slog.String("org_id", e.OrgID),
			slog.Int("attempt", e.Attempt),
			slog.Duration("waited", d.Waited),
			slog.Int("candidates", len(d.Ranked)),
			slog.Float64("best_score", best),
		)
		if r.extensions != nil {
			r.extensions.EmitStepStarved(ctx, e, d.Waited)
		}
	}
	return d
}

// exclude returns why a is ineligible for e, or "".
func (r *Router) exclude(e *step.Execution, a *actor.Actor, active int) string {
	switch {
	case a.OrgID != e.OrgID:
		return ExcludedOrg
	case !a.Active:
		return ExcludedInactive
	case a.Automated != e.Automated:
		return ExcludedKind
	case skillOverlap(e, a) == 0:
		return ExcludedSkills
	case r.maxPerActor > 0 && active >= r.maxPerActor:
		return ExcludedCapped
	}
	return ""
}

func (r *Router) score(ctx context.Context, e *step.Execution, a *actor.Actor) Score {
	s := Score{ActorID: a.ID.String()}

	if a.WeeklyCapacityMinutes > 0 {
		load := float64(a.CurrentLoadMinutes) / float64(a.WeeklyCapacityMinutes)
		s.Workload = clamp(100 - load*100)
	}

	q := defaultQuality
	if r.quality != nil {
		if v, ok := r.quality.Quality(ctx, a.ID, e.TaskType); ok {
			q = math.Max(0, math.Min(1, v))
		}
	}
	s.SkillMatch = clamp(skillOverlap(e, a) * q * 100)

	remaining := float64(a.RemainingMinutes())
	switch {
	case remaining <= 0:
		s.Availability = 0
	case e.EstimatedMinutes <= 0:
		s.Availability = 100
	default:
		s.Availability = clamp(math.Min(1, remaining/float64(e.EstimatedMinutes)) * 100)
	}

	prio := math.Max(0, math.Min(1, float64(e.Priority)/10))
	sen := math.Max(0, math.Min(1, float64(max(a.Seniority, 1)-1)/4))
	s.PriorityFit = clamp(100 - math.Abs(prio-sen)*100)

	s.Total = r.cfg.WorkloadWeight*s.Workload +
		r.cfg.SkillWeight*s.SkillMatch +
		r.cfg.AvailabilityWeight*s.Availability +
		r.cfg.PriorityWeight*s.PriorityFit
	return s
}

// skillOverlap is the fraction of e's required tags a carries. An automated
// actor without tags stands for the registered handler and covers them all.
func skillOverlap(e *step.Execution, a *actor.Actor) float64 {
	if len(e.RequiredSkillTags) == 0 || (a.Automated && len(a.SkillTags) == 0) {
		return 1
	}
	n := 0
	for _, t := range e.RequiredSkillTags {
		if a.HasSkill(t) {
			n++
		}
	}
	return float64(n) / float64(len(e.RequiredSkillTags))
}

func clamp(v float64) float64 { return math.Max(0, math.Min(100, v)) }

// markAlerted records the alert for e's attempt and reports whether this is
// the first one.
func (r *Router) markAlerted(e *step.Execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := e.ID.String()
	if last, ok := r.alerted[k]; ok && last == e.Attempt {
		return false
	}
	r.alerted[k] = e.Attempt
	return true
}

func (r *Router) forget(e *step.Execution) {
	r.mu.Lock()
	delete(r.alerted, e.ID.String())
	r.mu.Unlock()
}

// Retain drops the starvation record of every step not in ready, which must
// be the full set of ready steps. It returns how many were dropped.
func (r *Router) Retain(ready []*step.Execution) int {
	keep := make(map[string]struct{}, len(ready))
	for _, e := range ready {
		keep[e.ID.String()] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.alerted {
		if _, ok := keep[k]; !ok {
			delete(r.alerted, k)
			n++
		}
	}
	return n
}

// Alerts returns the number of steps with a starvation record.
func (r *Router) Alerts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerted)
}
