// Package postgres implements store.Store on PostgreSQL using pgx/v5 with raw
// SQL. Instance and step rows carry a version column; UpdateStep and
// UpdateInstance are compare-and-set on it. StartStep writes the step and its
// checkpoint in one transaction. Schema migrations are embedded SQL files.
//
// The package also provides a lock.Locker backed by a lease table, for
// deployments that run without Redis.
package postgres
