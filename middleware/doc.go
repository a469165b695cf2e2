// Package middleware provides composable middleware for step execution.
//
// A [Middleware] wraps a step handler. Middleware are composed with [Chain]
// and applied around every automated step the worker pool executes. The
// first middleware in the slice is the outermost wrapper.
//
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Recover] converts handler panics into fatal results
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records duration and outcome instruments
//   - [Logging] logs start and outcome
//   - [Scope] puts the step's organization on the context
//   - [Timeout] applies the step's deadline
package middleware
