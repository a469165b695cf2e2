// Package lock defines the distributed lease lock taken around every step
// assignment. Backends: in-memory (this package), redis and postgres.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/clock"
)

// Locker hands out exclusive, expiring leases keyed by string.
type Locker interface {
	// Acquire takes the lease on key for ttl. It returns
	// tenantflow.ErrLockHeld if another owner holds an unexpired lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Key() string
	Token() string

	// Extend pushes the expiry to now+ttl. It returns tenantflow.ErrLockLost
	// if the lease expired and was taken by someone else.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release gives the lease up. Releasing a lost lease is a no-op.
	Release(ctx context.Context) error
}

// StepKey is the lock key for a step execution.
func StepKey(stepExecID string) string { return "step:" + stepExecID }

// ActorKey is the lock key serializing claims by one actor.
func ActorKey(actorID string) string { return "actor:" + actorID }

// NewToken returns a random owner token.
func NewToken() string { return uuid.NewString() }

// ──────────────────────────────────────────────────
// Memory
// ──────────────────────────────────────────────────

type entry struct {
	token string
	until time.Time
}

// Memory is an in-process Locker for tests and single-node deployments.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	held  map[string]entry
}

var _ Locker = (*Memory)(nil)

// NewMemory returns an empty in-memory locker. A nil clock uses wall time.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{clock: c, held: make(map[string]entry)}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if e, ok := m.held[key]; ok && e.until.After(now) {
		return nil, tenantflow.ErrLockHeld
	}
	tok := NewToken()
	m.held[key] = entry{token: tok, until: now.Add(ttl)}
	return &memLease{m: m, key: key, token: tok}, nil
}

// Held reports whether key is currently leased.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[key]
	return ok && e.until.After(m.clock.Now())
}

type memLease struct {
	m     *Memory
	key   string
	token string
}

func (l *memLease) Key() string   { return l.key }
func (l *memLease) Token() string { return l.token }

func (l *memLease) Extend(_ context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	e, ok := l.m.held[l.key]
	if !ok || e.token != l.token {
		return tenantflow.ErrLockLost
	}
	e.until = l.m.clock.Now().Add(ttl)
	l.m.held[l.key] = e
	return nil
}

func (l *memLease) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if e, ok := l.m.held[l.key]; ok && e.token == l.token {
		delete(l.m.held, l.key)
	}
	return nil
}
