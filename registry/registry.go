// Package registry publishes workflow templates and serves their compiled
// dependency graphs. A template is compiled once when it is published (or on
// first use after a restart) and the DAG snapshot is shared by every
// instance created from that version.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tenantflow"
	"github.com/xraph/tenantflow/graph"
	"github.com/xraph/tenantflow/id"
	"github.com/xraph/tenantflow/template"
)

// publishAttempts bounds retries when another process publishes the same
// name concurrently.
const publishAttempts = 5

// versioned is one compiled template version.
type versioned struct {
	tpl *template.Template
	dag *graph.DAG
}

// Registry maps template names to versioned, compiled templates. The store
// is the source of truth; the registry only caches compiled graphs. It is
// safe for concurrent use.
type Registry struct {
	store  template.Store
	logger *slog.Logger

	mu       sync.RWMutex
	versions map[string][]versioned // name → versions, ascending
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// New returns a registry backed by s.
func New(s template.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    s,
		logger:   slog.Default(),
		versions: make(map[string][]versioned),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Publish validates t and stores it as the next version of t.Name. The
// version in t is ignored. Publishing a definition identical to the latest
// version returns that version instead of creating a new one. An invalid
// template returns *graph.ValidationError and nothing is stored.
func (r *Registry) Publish(ctx context.Context, t *template.Template) (*template.Template, *graph.DAG, error) {
	for range publishAttempts {
		latest, err := r.store.LatestTemplate(ctx, t.Name)
		switch {
		case errors.Is(err, tenantflow.ErrTemplateNotFound):
			latest = nil
		case err != nil:
			return nil, nil, fmt.Errorf("registry: latest %q: %w", t.Name, err)
		}

		if latest != nil && sameDefinition(latest, t) {
			dag, err := r.compiled(latest)
			return latest, dag, err
		}

		next := *t
		next.Steps = append([]template.StepDefinition(nil), t.Steps...)
		next.ID = id.NewTemplateID()
		next.Entity = tenantflow.NewEntity()
		next.PublishedAt = next.CreatedAt
		next.Version = 1
		if latest != nil {
			next.Version = latest.Version + 1
		}

		dag, err := graph.Compile(&next)
		if err != nil {
			return nil, nil, err
		}
		if err := r.store.PublishTemplate(ctx, &next); err != nil {
			if errors.Is(err, tenantflow.ErrTemplateVersionExists) {
				continue
			}
			return nil, nil, fmt.Errorf("registry: publish %q: %w", t.Name, err)
		}
		r.put(&next, dag)

		r.logger.Info("template published",
			slog.String("template", next.Name),
			slog.Int("version", next.Version),
			slog.Int("steps", len(next.Steps)),
		)
		return &next, dag, nil
	}
	return nil, nil, fmt.Errorf("registry: publish %q: %w", t.Name, tenantflow.ErrTemplateVersionExists)
}

// Resolve returns a template version and its graph. Version 0 resolves the
// latest published version.
func (r *Registry) Resolve(ctx context.Context, name string, version int) (*template.Template, *graph.DAG, error) {
	if version > 0 {
		if v, ok := r.get(name, version); ok {
			return v.tpl, v.dag, nil
		}
	}

	var (
		t   *template.Template
		err error
	)
	if version > 0 {
		t, err = r.store.GetTemplate(ctx, name, version)
	} else {
		t, err = r.store.LatestTemplate(ctx, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("registry: resolve %q v%d: %w", name, version, err)
	}

	dag, err := r.compiled(t)
	if err != nil {
		return nil, nil, err
	}
	return t, dag, nil
}

// LatestVersion returns the highest published version of name, or 0.
func (r *Registry) LatestVersion(ctx context.Context, name string) int {
	t, err := r.store.LatestTemplate(ctx, name)
	if err != nil {
		return 0
	}
	return t.Version
}

// List returns the latest version of every template.
func (r *Registry) List(ctx context.Context) ([]*template.Template, error) {
	return r.store.ListTemplates(ctx)
}

// compiled returns the cached graph of t, compiling it on a miss.
func (r *Registry) compiled(t *template.Template) (*graph.DAG, error) {
	if v, ok := r.get(t.Name, t.Version); ok {
		return v.dag, nil
	}
	start := time.Now()
	dag, err := graph.Compile(t)
	if err != nil {
		return nil, err
	}
	r.put(t, dag)
	r.logger.Debug("template compiled",
		slog.String("template", t.Name),
		slog.Int("version", t.Version),
		slog.Duration("elapsed", time.Since(start)),
	)
	return dag, nil
}

func (r *Registry) get(name string, version int) (versioned, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions[name] {
		if v.tpl.Version == version {
			return v, true
		}
	}
	return versioned{}, false
}

func (r *Registry) put(t *template.Template, dag *graph.DAG) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.versions[t.Name]
	for _, v := range existing {
		if v.tpl.Version == t.Version {
			return
		}
	}
	existing = append(existing, versioned{tpl: t, dag: dag})
	sort.Slice(existing, func(i, k int) bool { return existing[i].tpl.Version < existing[k].tpl.Version })
	r.versions[t.Name] = existing
}

func sameDefinition(a, b *template.Template) bool {
	if a.Description != b.Description || len(a.Steps) != len(b.Steps) {
		return false
	}
	for i := range a.Steps {
		if !reflect.DeepEqual(normalize(a.Steps[i]), normalize(b.Steps[i])) {
			return false
		}
	}
	return true
}

// normalize treats nil and empty slices alike; stores may return either.
func normalize(d template.StepDefinition) template.StepDefinition {
	if len(d.DependsOn) == 0 {
		d.DependsOn = nil
	}
	if len(d.RequiredSkillTags) == 0 {
		d.RequiredSkillTags = nil
	}
	return d
}
