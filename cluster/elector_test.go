package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/cluster"
	"github.com/xraph/tenantflow/lock"
)

func newPair(t *testing.T) (*clock.Fake, *cluster.Elector, *cluster.Elector) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	locker := lock.NewMemory(clk)
	a := cluster.NewElector(locker, cluster.WithClock(clk), cluster.WithLeaseTTL(10*time.Second))
	b := cluster.NewElector(locker, cluster.WithClock(clk), cluster.WithLeaseTTL(10*time.Second))
	return clk, a, b
}

func TestElector_SingleLeader(t *testing.T) {
	_, a, b := newPair(t)
	ctx := context.Background()

	if !a.Campaign(ctx) {
		t.Fatal("first campaigner should win")
	}
	if b.Campaign(ctx) {
		t.Fatal("second campaigner must not win while the lease is held")
	}
	if !a.IsLeader() || b.IsLeader() {
		t.Fatalf("IsLeader a=%v b=%v", a.IsLeader(), b.IsLeader())
	}
	// Renewal keeps leadership.
	if !a.Campaign(ctx) {
		t.Fatal("leader renewal failed")
	}
	if a.Self().LeaderSince == nil {
		t.Error("LeaderSince not set on the leader")
	}
}

func TestElector_ResignHandsOver(t *testing.T) {
	_, a, b := newPair(t)
	ctx := context.Background()

	a.Campaign(ctx)
	if err := a.Resign(ctx); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if a.IsLeader() {
		t.Fatal("resigned elector still leader")
	}
	if !b.Campaign(ctx) {
		t.Fatal("follower should win after resignation")
	}
}

func TestElector_ExpiredLeaseIsTakenOver(t *testing.T) {
	clk, a, b := newPair(t)
	ctx := context.Background()

	var changes []bool
	locker := lock.NewMemory(clk)
	c := cluster.NewElector(locker, cluster.WithClock(clk), cluster.WithLeaseTTL(10*time.Second),
		cluster.OnChange(func(leader bool) { changes = append(changes, leader) }))
	d := cluster.NewElector(locker, cluster.WithClock(clk), cluster.WithLeaseTTL(10*time.Second))

	c.Campaign(ctx)
	clk.Advance(11 * time.Second)
	if !d.Campaign(ctx) {
		t.Fatal("follower should take an expired lease")
	}
	// The old leader's renewal fails and it re-campaigns against a held key.
	if c.Campaign(ctx) {
		t.Fatal("old leader must not keep leadership after takeover")
	}
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("OnChange sequence = %v, want [true false]", changes)
	}

	// The other pair is independent of this locker.
	if !a.Campaign(ctx) || b.Campaign(ctx) {
		t.Fatal("independent lockers must elect independently")
	}
}

func TestElector_StopResigns(t *testing.T) {
	_, a, b := newPair(t)
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.IsLeader() {
		t.Fatal("Start should campaign immediately")
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Self().State != cluster.WorkerDraining {
		t.Errorf("State = %s, want draining", a.Self().State)
	}
	if a.Campaign(ctx) {
		t.Error("draining elector must not campaign")
	}
	if !b.Campaign(ctx) {
		t.Fatal("follower should win after Stop")
	}
}
