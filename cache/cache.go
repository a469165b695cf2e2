// Package cache memoises the outputs of cacheable steps. Entries are keyed
// by a fingerprint of (template, version, step, organization, input) and
// tagged with the business entities the owning instance refers to, so a
// change to one entity drops exactly the entries derived from it within its
// organization.
package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backend stores cache entries partitioned by organization.
type Backend interface {
	// Get returns the value stored under key in org's partition.
	Get(ctx context.Context, org, key string) ([]byte, bool, error)

	// Set stores value with the given entity tags. A zero ttl never expires.
	Set(ctx context.Context, org, key string, value []byte, tags []string, ttl time.Duration) error

	// InvalidateTag drops every entry of org tagged with tag and returns how
	// many were removed.
	InvalidateTag(ctx context.Context, org, tag string) (int, error)
}

// Cache wraps a Backend with single-flight execution.
type Cache struct {
	backend Backend
	group   singleflight.Group
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New returns a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{backend: backend, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

type flight struct {
	value []byte
	hit   bool
}

// Do returns the cached value for key or computes it with fn. Concurrent
// calls for the same key run fn once and share its outcome. A value is only
// stored when fn succeeds. Backend read or write errors degrade to a miss.
func (c *Cache) Do(ctx context.Context, key, org string, tags []string, ttl time.Duration,
	fn func(ctx context.Context) ([]byte, error),
) (value []byte, hit bool, err error) {
	if v, ok, gerr := c.backend.Get(ctx, org, key); gerr == nil && ok {
		return v, true, nil
	} else if gerr != nil {
		c.logger.Warn("cache read failed", slog.String("org_id", org), slog.String("error", gerr.Error()))
	}

	res, err, _ := c.group.Do(org+"/"+key, func() (any, error) {
		if v, ok, gerr := c.backend.Get(ctx, org, key); gerr == nil && ok {
			return flight{value: v, hit: true}, nil
		}
		v, ferr := fn(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if serr := c.backend.Set(ctx, org, key, v, tags, ttl); serr != nil {
			c.logger.Warn("cache write failed", slog.String("org_id", org), slog.String("error", serr.Error()))
		}
		return flight{value: v}, nil
	})
	if err != nil {
		return nil, false, err
	}
	f := res.(flight)
	return f.value, f.hit, nil
}

// Get reads key without computing.
func (c *Cache) Get(ctx context.Context, org, key string) ([]byte, bool, error) {
	return c.backend.Get(ctx, org, key)
}

// InvalidateEntity drops org's entries tagged with entityRef. Other
// organizations' entries for the same reference are untouched.
func (c *Cache) InvalidateEntity(ctx context.Context, org, entityRef string) (int, error) {
	n, err := c.backend.InvalidateTag(ctx, org, entityRef)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("cache invalidated",
		slog.String("org_id", org),
		slog.String("entity_ref", entityRef),
		slog.Int("entries", n),
	)
	return n, nil
}
