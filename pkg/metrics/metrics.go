// Package metrics exposes the orchestrator's Prometheus metrics: Sense
// refresh timing, Healer cycle timing and rule firings, Allocator decisions,
// and IP pool exhaustion, recorded inline by each producer through the
// Timer/GaugeVec/HistogramVec helpers below.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sense
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herd_groups_total",
			Help: "Total number of groups by type",
		},
		[]string{"type"},
	)

	SenseRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_sense_refresh_duration_seconds",
			Help:    "Time taken to refresh all four Sense views",
			Buckets: prometheus.DefBuckets,
		},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herd_hosts_total",
			Help: "Total number of sensed runtime hosts by status",
		},
		[]string{"status"},
	)

	// Allocator
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_allocator_decisions_total",
			Help: "Total allocator decisions by outcome (placed, fallback, capacity_exhausted)",
		},
		[]string{"outcome"},
	)

	// IP pool
	IPPoolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_ippool_exhausted_total",
			Help: "Total number of IP pool allocation attempts that found no free address",
		},
	)

	// Healer
	HealerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_healer_cycle_duration_seconds",
			Help:    "Time taken for one Healer invocation (all passes) in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealerRulesFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_healer_rules_fired_total",
			Help: "Total number of times each reconciliation rule fired",
		},
		[]string{"rule"},
	)

	HealerPassesTotal = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_healer_passes",
			Help:    "Number of reconciliation passes taken to reach a fixed point",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 16, 32},
		},
	)

	// Watch loop
	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_watch_events_total",
			Help: "Total number of watch loop wake-ups by trigger (timeout, event, error)",
		},
		[]string{"trigger"},
	)

	// Task facility
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herd_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// Group controller operation durations
	GroupCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_group_create_duration_seconds",
			Help:    "Time taken to create a group",
			Buckets: prometheus.DefBuckets,
		},
	)

	GroupDeleteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_group_delete_duration_seconds",
			Help:    "Time taken to delete a group",
			Buckets: prometheus.DefBuckets,
		},
	)

	GroupUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_group_update_duration_seconds",
			Help:    "Time taken to apply a group update",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_backup_duration_seconds",
			Help:    "Time taken to capture a backup",
			Buckets: prometheus.DefBuckets,
		},
	)

	RestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_restore_duration_seconds",
			Help:    "Time taken to restore a backup",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		GroupsTotal,
		SenseRefreshDuration,
		HostsTotal,
		AllocationsTotal,
		IPPoolExhaustedTotal,
		HealerCycleDuration,
		HealerRulesFiredTotal,
		HealerPassesTotal,
		WatchEventsTotal,
		TasksTotal,
		GroupCreateDuration,
		GroupDeleteDuration,
		GroupUpdateDuration,
		BackupDuration,
		RestoreDuration,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
