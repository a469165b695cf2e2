// Package throttle bounds how fast and how wide the scheduler may dispatch
// automated steps for one organization, so a tenant with a burst of
// instances cannot take every worker slot.
package throttle

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines the dispatch limits of one organization.
type Config struct {
	// OrgID is the organization the limits apply to. It is ignored for the
	// manager's default config.
	OrgID string

	// MaxConcurrency limits how many steps of the organization may hold a
	// local worker slot at once. Zero means no organization limit (the
	// pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained dispatches per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if RateLimit
	// is set but RateBurst is zero.
	RateBurst int
}

// orgState tracks runtime state for a single organization.
type orgState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

func newOrgState(cfg Config) *orgState {
	s := &orgState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// Manager enforces per-organization rate limits and concurrency. Orgs
// without an explicit config get their own copy of the default limits.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	defaults Config
	orgs     map[string]*orgState
}

// NewManager creates a Manager. defaults applies to every organization not
// listed in overrides.
func NewManager(defaults Config, overrides ...Config) *Manager {
	m := &Manager{
		defaults: defaults,
		orgs:     make(map[string]*orgState, len(overrides)),
	}
	for _, cfg := range overrides {
		m.orgs[cfg.OrgID] = newOrgState(cfg)
	}
	return m
}

func (m *Manager) state(orgID string) *orgState {
	s := m.orgs[orgID]
	if s == nil {
		cfg := m.defaults
		cfg.OrgID = orgID
		s = newOrgState(cfg)
		m.orgs[orgID] = s
	}
	return s
}

// Acquire reports whether a step of orgID may be dispatched now. On true
// the organization's active count is incremented and the caller MUST call
// Release once the step leaves the worker. Concurrency is checked before
// the rate limiter so a capped organization does not burn tokens.
func (m *Manager) Acquire(orgID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state(orgID)
	if s.config.MaxConcurrency > 0 && s.active >= s.config.MaxConcurrency {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	s.active++
	return true
}

// Release returns a slot taken by Acquire.
func (m *Manager) Release(orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.orgs[orgID]; s != nil && s.active > 0 {
		s.active--
	}
}

// SetOrgConfig replaces the limits of one organization, keeping its current
// active count.
func (m *Manager) SetOrgConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := newOrgState(cfg)
	if existing := m.orgs[cfg.OrgID]; existing != nil {
		s.active = existing.active
	}
	m.orgs[cfg.OrgID] = s
}

// Active returns the number of slots orgID currently holds.
func (m *Manager) Active(orgID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.orgs[orgID]; s != nil {
		return s.active
	}
	return 0
}
