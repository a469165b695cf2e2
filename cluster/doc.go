// Package cluster coordinates tenantflow processes that share one store.
//
// Every process runs a scheduler and a worker pool; step assignment is
// already serialised by the per-step lock. Only the staleness sweep needs a
// single owner, so one process at a time holds cluster leadership.
//
// # Leader Election
//
// An [Elector] campaigns for a well-known key on a [lock.Locker]. The holder
// renews its lease every RenewInterval and loses leadership when the
// renewal fails or the lease expires; any other process may then take the
// key on its next campaign round. Any Locker backend works: in-memory for a
// single node, redis or postgres for a cluster.
package cluster
