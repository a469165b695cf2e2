package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/tenantflow/clock"
)

type memEntry struct {
	value     []byte
	tags      []string
	expiresAt time.Time
}

// Memory is an in-process Backend.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	orgs  map[string]map[string]memEntry
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty memory backend. A nil clock uses wall time.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{clock: c, orgs: make(map[string]map[string]memEntry)}
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, org, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.orgs[org][key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.orgs[org], key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements Backend.
func (m *Memory) Set(_ context.Context, org, key string, value []byte, tags []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.orgs[org]
	if !ok {
		part = make(map[string]memEntry)
		m.orgs[org] = part
	}
	e := memEntry{value: append([]byte(nil), value...), tags: append([]string(nil), tags...)}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	part[key] = e
	return nil
}

// InvalidateTag implements Backend.
func (m *Memory) InvalidateTag(_ context.Context, org, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.orgs[org] {
		for _, t := range e.tags {
			if t == tag {
				delete(m.orgs[org], k)
				n++
				break
			}
		}
	}
	return n, nil
}

// Len returns the number of stored entries across all organizations.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, part := range m.orgs {
		n += len(part)
	}
	return n
}
