package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/clock"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/lock"
	"github.com/xraph/tenantflow/scope"
	"github.com/xraph/tenantflow/step"
)

// Throttle bounds per-organization dispatch. The pool calls Acquire when a
// slot is reserved and Release when the step finishes.
type Throttle interface {
	Acquire(orgID string) bool
	Release(orgID string)
}

// Heartbeater records step liveness.
type Heartbeater interface {
	HeartbeatStep(ctx context.Context, stepID id.StepID, attempt int, at time.Time) error
}

type active struct {
	step   *step.Execution
	lease  lock.Lease
	cancel context.CancelFunc
}

// Pool runs step attempts on a bounded number of goroutines. Dispatch is
// push based: the scheduler reserves a slot with Reserve and hands the step
// over with Run.
type Pool struct {
	executor    *Executor
	heartbeats  Heartbeater
	throttle    Throttle
	clock       clock.Clock
	concurrency int
	workerID    id.WorkerID
	logger      *slog.Logger

	heartbeatInterval time.Duration
	leaseTTL          time.Duration

	slots  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	running  bool
	stopped  bool
	activeMu sync.Mutex
	active   map[string]*active
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets how many steps may execute at once.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithHeartbeatInterval sets how often the pool refreshes heartbeats and
// leases of running steps. Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithLeaseTTL sets the lifetime each lease extension grants.
func WithLeaseTTL(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseTTL = d }
}

// WithThrottle sets the per-organization throttle.
func WithThrottle(t Throttle) PoolOption {
	return func(p *Pool) { p.throttle = t }
}

// WithPoolClock sets the time source for heartbeat timestamps.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool.
func NewPool(executor *Executor, heartbeats Heartbeater, opts ...PoolOption) *Pool {
	cfg := tenantflow.DefaultConfig()
	p := &Pool{
		executor:          executor,
		heartbeats:        heartbeats,
		clock:             clock.Real{},
		concurrency:       cfg.Concurrency,
		workerID:          id.NewWorkerID(),
		logger:            slog.Default(),
		heartbeatInterval: cfg.HeartbeatInterval,
		leaseTTL:          cfg.LockTTL,
		stopCh:            make(chan struct{}),
		active:            make(map[string]*active),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	p.slots = make(chan struct{}, p.concurrency)
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the heartbeat loop. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

// Stop refuses new work and waits for running steps. When ctx expires
// first, running handlers are cancelled; their steps are left for
// reclamation.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active steps")
		p.cancelWhere(func(*active) bool { return true })
		<-done
	}
	return nil
}

// Reserve claims an execution slot for a step of orgID without blocking.
// It fails when the pool is full or stopping, or the organization is
// throttled. A successful Reserve must be followed by Run or Unreserve.
func (p *Pool) Reserve(orgID string) bool {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return false
	}
	if p.throttle != nil && !p.throttle.Acquire(orgID) {
		return false
	}
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		if p.throttle != nil {
			p.throttle.Release(orgID)
		}
		return false
	}
}

// Unreserve returns a slot obtained by Reserve without running anything.
func (p *Pool) Unreserve(orgID string) {
	<-p.slots
	if p.throttle != nil {
		p.throttle.Release(orgID)
	}
}

// Run executes e in the reserved slot and releases lease when done.
func (p *Pool) Run(e *step.Execution, lease lock.Lease) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &active{step: e, lease: lease, cancel: cancel}

	p.activeMu.Lock()
	p.active[e.ID.String()] = a
	p.activeMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finish(a)

		if err := p.executor.Execute(ctx, e); err != nil {
			p.logger.Warn("step execution failed",
				slog.String("step_exec_id", e.ID.String()),
				slog.String("step_id", e.StepID),
				slog.String("org_id", e.OrgID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (p *Pool) finish(a *active) {
	a.cancel()
	p.activeMu.Lock()
	delete(p.active, a.step.ID.String())
	p.activeMu.Unlock()

	if a.lease != nil {
		if err := a.lease.Release(context.Background()); err != nil && !errors.Is(err, tenantflow.ErrLockLost) {
			p.logger.Warn("lease release failed",
				slog.String("key", a.lease.Key()),
				slog.String("error", err.Error()),
			)
		}
	}
	<-p.slots
	if p.throttle != nil {
		p.throttle.Release(a.step.OrgID)
	}
}

// Active returns how many steps are executing.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// CancelInstance cancels the handler context of every running step of
// instanceID and returns how many were cancelled.
func (p *Pool) CancelInstance(instanceID id.InstanceID) int {
	return p.cancelWhere(func(a *active) bool { return a.step.InstanceID == instanceID })
}

func (p *Pool) cancelWhere(match func(*active) bool) int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	n := 0
	for _, a := range p.active {
		if match(a) {
			p.logger.Warn("cancelling active step", slog.String("step_exec_id", a.step.ID.String()))
			a.cancel()
			n++
		}
	}
	return n
}

// heartbeatLoop periodically refreshes every running step.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	list := make([]*active, 0, len(p.active))
	for _, a := range p.active {
		list = append(list, a)
	}
	p.activeMu.Unlock()

	now := p.clock.Now()
	for _, a := range list {
		ctx := scope.WithOrg(context.Background(), a.step.OrgID)
		if a.lease != nil {
			if err := a.lease.Extend(ctx, p.leaseTTL); err != nil {
				// Another worker owns the step now; stop doing its work.
				p.logger.Warn("lease lost, cancelling step",
					slog.String("step_exec_id", a.step.ID.String()),
					slog.String("error", err.Error()),
				)
				a.cancel()
				continue
			}
		}
		if err := p.heartbeats.HeartbeatStep(ctx, a.step.ID, a.step.Attempt, now); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("step_exec_id", a.step.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
