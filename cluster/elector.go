package cluster

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/lock"
)

// DefaultLeaderKey is the lock key leadership is held under.
const DefaultLeaderKey = "tenantflow:leader"

// Elector campaigns for cluster leadership over a lock.Locker.
type Elector struct {
	locker   lock.Locker
	key      string
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	onChange func(leader bool)

	mu    sync.Mutex
	self  Worker
	lease lock.Lease

	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// ElectorOption configures an Elector.
type ElectorOption func(*Elector)

// WithLeaderKey overrides DefaultLeaderKey.
func WithLeaderKey(key string) ElectorOption { return func(e *Elector) { e.key = key } }

// WithLeaseTTL sets how long leadership survives without renewal.
func WithLeaseTTL(d time.Duration) ElectorOption { return func(e *Elector) { e.ttl = d } }

// WithRenewInterval sets how often the elector campaigns or renews. It
// should be well below the lease TTL.
func WithRenewInterval(d time.Duration) ElectorOption { return func(e *Elector) { e.interval = d } }

// WithClock sets the time source.
func WithClock(c clock.Clock) ElectorOption { return func(e *Elector) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ElectorOption { return func(e *Elector) { e.logger = l } }

// WithConcurrency records the worker pool size in the Worker description.
func WithConcurrency(n int) ElectorOption { return func(e *Elector) { e.self.Concurrency = n } }

// OnChange registers a callback invoked whenever leadership is gained or
// lost. It runs under the elector's lock and must not call back into it.
func OnChange(fn func(leader bool)) ElectorOption { return func(e *Elector) { e.onChange = fn } }

// NewElector returns an elector that has not yet campaigned.
func NewElector(locker lock.Locker, opts ...ElectorOption) *Elector {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	e := &Elector{
		locker:   locker,
		key:      DefaultLeaderKey,
		ttl:      30 * time.Second,
		interval: 10 * time.Second,
		clock:    clock.Real{},
		logger:   slog.Default(),
		self: Worker{
			ID:       id.NewWorkerID(),
			Hostname: hostname,
			State:    WorkerActive,
		},
	}
	for _, o := range opts {
		o(e)
	}
	e.self.StartedAt = e.clock.Now()
	return e
}

// WorkerID returns this process's identity.
func (e *Elector) WorkerID() id.WorkerID { return e.self.ID }

// IsLeader reports whether this process currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.IsLeader
}

// Self returns a snapshot of this process's cluster description.
func (e *Elector) Self() Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.self
	if w.LeaderSince != nil {
		t := *w.LeaderSince
		w.LeaderSince = &t
	}
	return w
}

// Campaign runs one election round: a leader renews its lease, a follower
// tries to take the key. It returns whether this process leads afterwards.
func (e *Elector) Campaign(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.self.State == WorkerDraining {
		return false
	}

	if e.lease != nil {
		err := e.lease.Extend(ctx, e.ttl)
		if err == nil {
			return true
		}
		e.logger.Warn("leadership renewal failed",
			slog.String("worker_id", e.self.ID.String()),
			slog.String("error", err.Error()),
		)
		e.lease = nil
		e.setLeaderLocked(false)
		if !errors.Is(err, tenantflow.ErrLockLost) {
			return false
		}
	}

	lease, err := e.locker.Acquire(ctx, e.key, e.ttl)
	if err != nil {
		if !errors.Is(err, tenantflow.ErrLockHeld) {
			e.logger.Error("leader campaign failed",
				slog.String("worker_id", e.self.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	e.lease = lease
	e.setLeaderLocked(true)
	return true
}

// Resign gives leadership up. The next campaign round of any process may
// take it.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resignLocked(ctx)
}

func (e *Elector) resignLocked(ctx context.Context) error {
	if e.lease == nil {
		return nil
	}
	err := e.lease.Release(ctx)
	e.lease = nil
	e.setLeaderLocked(false)
	return err
}

func (e *Elector) setLeaderLocked(leader bool) {
	if e.self.IsLeader == leader {
		return
	}
	e.self.IsLeader = leader
	if leader {
		now := e.clock.Now()
		e.self.LeaderSince = &now
		e.logger.Info("leadership acquired", slog.String("worker_id", e.self.ID.String()))
	} else {
		e.self.LeaderSince = nil
		e.logger.Info("leadership lost", slog.String("worker_id", e.self.ID.String()))
	}
	if e.onChange != nil {
		e.onChange(leader)
	}
}

// Start campaigns immediately and then every renew interval until Stop.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.self.State = WorkerActive
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.Campaign(ctx)
	go e.loop(context.WithoutCancel(ctx))
	return nil
}

func (e *Elector) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Campaign(ctx)
		}
	}
}

// Stop ends the campaign loop and resigns.
func (e *Elector) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.self.State = WorkerDraining
	close(e.stopCh)
	e.mu.Unlock()

	select {
	case <-e.done:
	case <-ctx.Done():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resignLocked(ctx)
}
