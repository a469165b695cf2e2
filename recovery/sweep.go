package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
)

// SweepResult counts what one sweep changed.
type SweepResult struct {
	Reclaimed  int `json:"reclaimed"`
	TimedOut   int `json:"timed_out"`
	Unassigned int `json:"unassigned"`
}

// Sweep reclaims steps whose worker is presumed gone:
//
//   - automated running steps whose last checkpoint or heartbeat is older
//     than the staleness threshold,
//   - running steps past their timeout, human or automated,
//   - automated assigned steps that never started within the staleness
//     threshold; these return to ready without consuming an attempt.
//
// Human actors do not heartbeat, so only a timeout reclaims their steps.
// Sweep scans across organizations under a system scope and writes each
// row under its own organization.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	sys := scope.WithSystem(ctx)
	now := m.clock.Now()

	running, err := m.store.FindSteps(sys, step.Filter{Statuses: []step.Status{step.StatusRunning}})
	if err != nil {
		return res, fmt.Errorf("recovery: sweep running: %w", err)
	}
	for _, e := range running {
		rowCtx := scope.WithOrg(sys, e.OrgID)

		var reason string
		timedOut := false
		switch idle := now.Sub(e.LastSeen()); {
		case e.Automated && idle > m.staleness:
			reason = fmt.Sprintf("no checkpoint or heartbeat for %s", idle.Round(time.Second))
		case e.Timeout() > 0 && e.StartedAt != nil && now.Sub(*e.StartedAt) > e.Timeout():
			reason = fmt.Sprintf("timeout %s exceeded", e.Timeout())
			timedOut = true
		default:
			continue
		}

		if _, err := m.Reclaim(rowCtx, e.ID, e.Attempt, reason); err != nil {
			if errors.Is(err, tenantflow.ErrStaleResult) {
				continue
			}
			m.logger.Error("sweep reclaim failed",
				slog.String("step_exec_id", e.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if timedOut {
			res.TimedOut++
		} else {
			res.Reclaimed++
		}
	}

	assigned, err := m.store.FindSteps(sys, step.Filter{Statuses: []step.Status{step.StatusAssigned}})
	if err != nil {
		return res, fmt.Errorf("recovery: sweep assigned: %w", err)
	}
	for _, e := range assigned {
		if !e.Automated || e.AssignedAt == nil || now.Sub(*e.AssignedAt) <= m.staleness {
			continue
		}
		rowCtx := scope.WithOrg(sys, e.OrgID)
		if err := m.Unassign(rowCtx, e.ID, "assigned but never started"); err != nil {
			if !errors.Is(err, tenantflow.ErrStaleResult) {
				m.logger.Error("sweep unassign failed",
					slog.String("step_exec_id", e.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		res.Unassigned++
	}

	if res != (SweepResult{}) {
		m.logger.Info("sweep finished",
			slog.Int("reclaimed", res.Reclaimed),
			slog.Int("timed_out", res.TimedOut),
			slog.Int("unassigned", res.Unassigned),
		)
	}
	return res, nil
}
