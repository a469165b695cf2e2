package tenantflow

import "time"

// Config holds configuration for the workflow runtime.
type Config struct {
	// Concurrency is the number of worker goroutines executing automated
	// steps in this process.
	Concurrency int

	// MaxParallelStepsPerInstance bounds assigned+running steps per instance.
	MaxParallelStepsPerInstance int

	// MaxConcurrentTasksPerActor bounds assigned+running steps per actor.
	MaxConcurrentTasksPerActor int

	// OrgMaxConcurrency bounds the automated steps of one organization
	// holding a local worker slot. Zero means no per-organization bound.
	OrgMaxConcurrency int

	// OrgDispatchRate and OrgDispatchBurst rate-limit automated dispatches
	// per organization. A zero rate disables the limiter.
	OrgDispatchRate  float64
	OrgDispatchBurst int

	// TickInterval is how often ready steps that could not be dispatched
	// (capped, throttled or starved) are rescanned.
	TickInterval time.Duration

	// SweepInterval is how often the staleness sweep runs. SweepSchedule,
	// when set, takes precedence.
	SweepInterval time.Duration

	// SweepSchedule is an optional cron expression or descriptor
	// ("@every 30s") for the staleness sweep.
	SweepSchedule string

	// StalenessThreshold is how long a running step may go without a
	// checkpoint or heartbeat before it is presumed crashed.
	StalenessThreshold time.Duration

	// HeartbeatInterval is how often the worker pool refreshes heartbeats and
	// lock leases for running steps.
	HeartbeatInterval time.Duration

	// LockTTL is the lease duration of a step lock.
	LockTTL time.Duration

	// DefaultMaxRetries applies to steps whose definition leaves maxRetries
	// unset.
	DefaultMaxRetries int

	// DefaultStepTimeout applies to steps whose definition leaves
	// timeoutSeconds unset.
	DefaultStepTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// Routing controls actor scoring.
	Routing RoutingConfig
}

// RoutingConfig holds the task router weights and thresholds.
type RoutingConfig struct {
	WorkloadWeight     float64
	SkillWeight        float64
	AvailabilityWeight float64
	PriorityWeight     float64

	// MinScore is the score an actor must exceed to be assigned.
	MinScore float64

	// StarvationThreshold is how long a step may stay ready and unassigned
	// before the starvation alert fires.
	StarvationThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:                 10,
		MaxParallelStepsPerInstance: 4,
		MaxConcurrentTasksPerActor:  3,
		TickInterval:                5 * time.Second,
		SweepInterval:               30 * time.Second,
		StalenessThreshold:          5 * time.Minute,
		HeartbeatInterval:           30 * time.Second,
		LockTTL:                     2 * time.Minute,
		DefaultMaxRetries:           3,
		DefaultStepTimeout:          15 * time.Minute,
		ShutdownTimeout:             30 * time.Second,
		Routing:                     DefaultRoutingConfig(),
	}
}

// DefaultRoutingConfig returns the 0.4/0.3/0.2/0.1 weighting with a minimum
// score of 40 and a four hour starvation alert.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		WorkloadWeight:      0.4,
		SkillWeight:         0.3,
		AvailabilityWeight:  0.2,
		PriorityWeight:      0.1,
		MinScore:            40,
		StarvationThreshold: 4 * time.Hour,
	}
}
