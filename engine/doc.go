// # Building an Engine
//
//	rt, err := tenantflow.New(
//	    tenantflow.WithStore(pgStore),
//	    tenantflow.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(rt,
//	    engine.WithLocker(redis.NewLocker(client)),
//	    engine.WithBus(redis.NewBus(client, logger)),
//	    engine.WithCacheBackend(redis.NewCache(client)),
//	    engine.WithLeaderElection(),
//	    engine.WithExtension(myExtension),
//	)
//
// # Registering Work
//
// Task types with a handler run on the worker pool; every other task type is
// a manual step routed to a human actor of the instance's organization.
//
//	engine.RegisterTyped(eng, "kyc.fetch", func(ctx context.Context, in handler.Input, c Client) (KYC, error) {
//	    return lookup(ctx, c.ID)
//	})
//
// # Running Instances
//
// Every call carries the caller's organization on the context.
//
//	ctx = scope.WithOrg(ctx, "org_acme")
//	inst, err := eng.CreateInstance(ctx, "quarterly-tax", "org_acme", input,
//	    engine.WithEntityRefs("client:42"))
//	status, err := eng.GetInstanceStatus(ctx, inst.ID)
//
// Human actors work through ListReadyStepsForActor, ClaimStep, StartStep,
// CompleteStep and FailStep.
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithLocker], [WithBus], [WithCacheBackend]: share state across nodes
//   - [WithLeaderElection]: gate the staleness sweep on leadership
//   - [WithOrgLimits]: per-organization concurrency and dispatch rate
//   - [WithTracerProvider], [WithMeterProvider], [WithMetricFactory]: telemetry
package engine
