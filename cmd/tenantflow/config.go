package main

import (
	"github.com/spf13/viper"

	"github.com/xraph/tenantflow"
)

// setDefaults registers every key so environment variables bind even when
// no config file sets them.
func setDefaults(v *viper.Viper) {
	d := tenantflow.DefaultConfig()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "")
	v.SetDefault("templates", "")
	v.SetDefault("cluster.leader_election", false)
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.actions", []string{})

	v.SetDefault("engine.concurrency", d.Concurrency)
	v.SetDefault("engine.max_parallel_steps_per_instance", d.MaxParallelStepsPerInstance)
	v.SetDefault("engine.max_concurrent_tasks_per_actor", d.MaxConcurrentTasksPerActor)
	v.SetDefault("engine.org_max_concurrency", d.OrgMaxConcurrency)
	v.SetDefault("engine.org_dispatch_rate", d.OrgDispatchRate)
	v.SetDefault("engine.org_dispatch_burst", d.OrgDispatchBurst)
	v.SetDefault("engine.tick_interval", d.TickInterval)
	v.SetDefault("engine.sweep_interval", d.SweepInterval)
	v.SetDefault("engine.sweep_schedule", d.SweepSchedule)
	v.SetDefault("engine.staleness_threshold", d.StalenessThreshold)
	v.SetDefault("engine.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("engine.lock_ttl", d.LockTTL)
	v.SetDefault("engine.default_max_retries", d.DefaultMaxRetries)
	v.SetDefault("engine.default_step_timeout", d.DefaultStepTimeout)
	v.SetDefault("engine.shutdown_timeout", d.ShutdownTimeout)

	v.SetDefault("routing.workload_weight", d.Routing.WorkloadWeight)
	v.SetDefault("routing.skill_weight", d.Routing.SkillWeight)
	v.SetDefault("routing.availability_weight", d.Routing.AvailabilityWeight)
	v.SetDefault("routing.priority_weight", d.Routing.PriorityWeight)
	v.SetDefault("routing.min_score", d.Routing.MinScore)
	v.SetDefault("routing.starvation_threshold", d.Routing.StarvationThreshold)
}

// engineConfig reads the engine section into a tenantflow.Config.
func engineConfig(v *viper.Viper) tenantflow.Config {
	return tenantflow.Config{
		Concurrency:                 v.GetInt("engine.concurrency"),
		MaxParallelStepsPerInstance: v.GetInt("engine.max_parallel_steps_per_instance"),
		MaxConcurrentTasksPerActor:  v.GetInt("engine.max_concurrent_tasks_per_actor"),
		OrgMaxConcurrency:           v.GetInt("engine.org_max_concurrency"),
		OrgDispatchRate:             v.GetFloat64("engine.org_dispatch_rate"),
		OrgDispatchBurst:            v.GetInt("engine.org_dispatch_burst"),
		TickInterval:                v.GetDuration("engine.tick_interval"),
		SweepInterval:               v.GetDuration("engine.sweep_interval"),
		SweepSchedule:               v.GetString("engine.sweep_schedule"),
		StalenessThreshold:          v.GetDuration("engine.staleness_threshold"),
		HeartbeatInterval:           v.GetDuration("engine.heartbeat_interval"),
		LockTTL:                     v.GetDuration("engine.lock_ttl"),
		DefaultMaxRetries:           v.GetInt("engine.default_max_retries"),
		DefaultStepTimeout:          v.GetDuration("engine.default_step_timeout"),
		ShutdownTimeout:             v.GetDuration("engine.shutdown_timeout"),
		Routing: tenantflow.RoutingConfig{
			WorkloadWeight:      v.GetFloat64("routing.workload_weight"),
			SkillWeight:         v.GetFloat64("routing.skill_weight"),
			AvailabilityWeight:  v.GetFloat64("routing.availability_weight"),
			PriorityWeight:      v.GetFloat64("routing.priority_weight"),
			MinScore:            v.GetFloat64("routing.min_score"),
			StarvationThreshold: v.GetDuration("routing.starvation_threshold"),
		},
	}
}
