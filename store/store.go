// Package store defines the aggregate persistence interface. Each subsystem
// (template, instance, step, actor) defines its own store interface and the
// composite Store embeds them all. Backends: Postgres and Memory. The redis
// package supplies the lock, cache and event bus, not a Store.
package store

import (
	"context"

	"github.com/xraph/tenantflow/actor"
	"github.com/xraph/tenantflow/instance"
	"github.com/xraph/tenantflow/step"
	"github.com/xraph/tenantflow/template"
)

// Store is the aggregate persistence interface. A single backend implements
// all of the subsystem stores so instance creation and step checkpoints can
// share a transaction.
type Store interface {
	template.Store
	instance.Store
	step.Store
	actor.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
