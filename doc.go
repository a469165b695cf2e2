// Package tenantflow provides a multi-tenant workflow execution engine for
// Go. Workflows are versioned templates of dependent steps. Each instance of a
// template belongs to exactly one organization and its steps are assigned to
// human or automated actors of that organization, run in parallel where the
// dependency graph allows, and recover from crashed workers without redoing
// completed work.
//
// # Quick Start
//
//	rt, err := tenantflow.New(
//	    tenantflow.WithStore(pgStore),
//	    tenantflow.WithConcurrency(20),
//	)
//	eng, err := engine.Build(rt, engine.WithLocker(redisstore.NewLocker(client)))
//	engine.RegisterHandler(eng, "tax.review", reviewHandler)
//	err = eng.Start(ctx)
//
// # Architecture
//
// Each subsystem (template, instance, step, actor) defines its own store
// interface and a single backend implements all of them. Every instance, step
// and actor access passes through the guard package, which compares the
// organization carried on the context with the organization of the row.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package tenantflow
