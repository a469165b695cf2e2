package cluster

import (
	"time"

	"github.com/xraph/tenantflow/id"
)

// WorkerState represents the lifecycle state of a process.
type WorkerState string

const (
	// WorkerActive means the process is dispatching and executing steps.
	WorkerActive WorkerState = "active"
	// WorkerDraining means the process is finishing in-flight steps but
	// no longer campaigns or dispatches (graceful shutdown).
	WorkerDraining WorkerState = "draining"
)

// Worker describes this process as seen by the cluster.
type Worker struct {
	ID          id.WorkerID `json:"id"`
	Hostname    string      `json:"hostname"`
	Concurrency int         `json:"concurrency"`
	State       WorkerState `json:"state"`
	IsLeader    bool        `json:"is_leader"`
	LeaderSince *time.Time  `json:"leader_since,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
}
