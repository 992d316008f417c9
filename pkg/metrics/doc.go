/*
Package metrics provides Prometheus metrics collection and exposition, plus a
lightweight process health-check endpoint, for the orchestrator.

The metrics package defines and registers all of this process's own
Prometheus metrics using the prometheus/client_golang library, and exposes an
/healthz-shaped JSON health response tracking the health of this process's
own long-lived background tasks — not to be confused with the sensed health
of runtime hosts or registered service instances, which lives in
pkg/sense/pkg/registry instead.

# Architecture

The metrics system follows Prometheus best practices: every counter/gauge/
histogram is registered once at package init, and recorded inline at the
producer (no separate polling collector):

	┌──────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                            │
	│  Sense:                                                   │
	│    herd_groups_total{type}                                │
	│    herd_sense_refresh_duration_seconds                    │
	│    herd_hosts_total{status}                               │
	│                                                            │
	│  Allocator:                                               │
	│    herd_allocator_decisions_total{outcome}                │
	│                                                            │
	│  IP pool:                                                 │
	│    herd_ippool_exhausted_total                            │
	│                                                            │
	│  Healer:                                                  │
	│    herd_healer_cycle_duration_seconds                     │
	│    herd_healer_rules_fired_total{rule}                    │
	│    herd_healer_passes                                     │
	│                                                            │
	│  Watch loop:                                              │
	│    herd_watch_events_total{trigger}                       │
	│                                                            │
	│  Task facility:                                           │
	│    herd_tasks_total{status}                                │
	│                                                            │
	│  Group controller:                                        │
	│    herd_group_create_duration_seconds                     │
	│    herd_group_delete_duration_seconds                     │
	│    herd_group_update_duration_seconds                     │
	│    herd_backup_duration_seconds                           │
	│    herd_restore_duration_seconds                          │
	└────────────────────────────────────────────────────────────┘

# Core Components

Timer:
  - start := metrics.NewTimer() captures the current time
  - timer.ObserveDuration(histogram) records elapsed time on completion
  - timer.ObserveDurationVec(histogram, labels...) for a HistogramVec
  - Used at the start of Sense.refresh, each Healer cycle, and each Group
    Controller operation

HealthChecker:
  - Tracks per-component health (name, healthy bool, message, updated) for
    this process's own long-lived tasks: the Sense refresh loop, the
    per-host probe loop, the IP-pool reservation-cache expirer, and the
    registry watch loop
  - RegisterComponent(name, healthy, message) is called by each loop on
    every iteration
  - Aggregate status: any unhealthy component ⇒ "unhealthy"; otherwise
    "healthy" — the same any-critical/else-healthy fold the Registry
    Gateway's aggregated CheckStatus uses, applied to this process's own
    liveness instead of a sensed instance's

# Usage

Registering Metrics (done once, in init()):

	import "github.com/cuemby/herd/pkg/metrics"

	prometheus.MustRegister(metrics.SenseRefreshDuration, ...)

Timing an Operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SenseRefreshDuration)
	// ... do the refresh ...

Recording a Healer Rule Firing:

	metrics.HealerRulesFiredTotal.WithLabelValues("rerun_missing_instance").Inc()

Recording an Allocator Decision:

	metrics.AllocationsTotal.WithLabelValues("placed").Inc()
	// or "fallback" when no host clears the freeMem threshold, or
	// "capacity_exhausted" when the candidate set is empty

Exposing the HTTP Endpoints:

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())

Process Health Registration (from each long-lived task's loop):

	metrics.RegisterComponent("sense.refresh", true, "")
	metrics.RegisterComponent("sense.probe", false, "host 10.0.0.9 timed out")

# Integration Points

This package integrates with:

  - pkg/sense: times each refresh, updates herd_groups_total/herd_hosts_total,
    registers the refresh loop and probe loop as health components
  - pkg/allocator: counts decisions by outcome
  - pkg/ippool: counts exhaustion
  - pkg/healer: times each cycle, counts rule firings and pass counts
  - pkg/watch: counts wake-ups by trigger (timeout, event, error)
  - pkg/task: reflects live task counts by status
  - pkg/group: times Create/Delete/Update/Backup/Restore
  - a deployment running `herd watch` as a long-lived process can mount
    Handler()/HealthHandler() behind its own http.ServeMux; the CLI itself
    stays transport-free per this system's scope (the HTTP/REST surface is
    an external collaborator, not this core)

# Design Notes

No separate polling collector:
  - Each metric is recorded inline at the point the event happens (the
    producer calls Inc()/Observe() itself) rather than a ticking collector
    reading state off a shared object, which keeps this package free of a
    dependency on any single "manager" type — there isn't one in this
    design; Sense, Healer, and the Group Controller are independent

Health vs. Sense:
  - pkg/metrics' HealthChecker answers "is this orchestrator process
    itself alive and making progress" (are its own background loops
    still ticking) — a completely different question from pkg/sense's
    "is runtime host H reachable" or "is service instance I passing its
    checks", which are sensed facts about the fleet, not this process

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Prometheus naming conventions: https://prometheus.io/docs/practices/naming/
*/
package metrics
