/*
Package log provides structured logging for herd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

herd's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("healer")                  │          │
	│  │  - WithGroup("a1b2c3d4e5f6...")              │          │
	│  │  - WithHost("10.0.0.12:2375")                │          │
	│  │  - WithTask("task-def456")                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "healer",                   │          │
	│  │    "time": "2026-07-29T10:30:00Z",         │          │
	│  │    "message": "rule rerun_missing_instance fired" │    │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF rule fired component=healer    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all herd packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: detailed debugging information
  - Info: general informational messages
  - Warn: warning messages (potential issues)
  - Error: error messages (operation failed)
  - Fatal: critical errors (process exits)

Configuration:
  - Level: filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: add component name to all logs (sense, allocator,
    healer, watch, group, kv, runtime, registry, ippool)
  - WithGroup: add group_id context
  - WithHost: add host context
  - WithTask: add task_id context

# Log Levels

Debug Level:
  - Purpose: detailed debugging information
  - Usage: development and troubleshooting
  - Example: "allocator candidate host=10.0.0.12 freeMem=1024 affinityBit=1"

Info Level:
  - Purpose: general informational messages
  - Usage: default production level
  - Example: "group created: alice (memcached, 500MiB)"

Warn Level:
  - Purpose: potential issues or unexpected conditions
  - Usage: transient errors the next tick is expected to repair
  - Example: "registry watch timed out, retrying with backoff"

Error Level:
  - Purpose: operation failures that need investigation
  - Usage: failed operations, ExternalFailure/InvariantViolation errors
  - Example: "exec set_config failed: exit status 1"

Fatal Level:
  - Purpose: critical errors causing process termination
  - Behavior: logs message and exits process (os.Exit(1))
  - Example: "failed to load config: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/herd/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("healer reached a fixed point after 3 passes")
	log.Debug("sense refresh starting")
	log.Warn("host 10.0.0.9 probe timed out")
	log.Error("failed to connect to containerd")
	log.Fatal("cannot start without CONSUL_HOST") // exits process

Structured Logging:

	log.Logger.Info().
		Str("group_id", bp.ID).
		Int("memsize", bp.MemSizeMiB).
		Msg("group created")

	log.Logger.Error().
		Err(err).
		Str("host", host).
		Msg("runtime probe failed")

Component Loggers:

	healerLog := log.WithComponent("healer")
	healerLog.Info().Msg("starting reconciliation pass")

	groupLog := log.WithGroup(groupID).With().Str("instance", "2").Logger()
	groupLog.Info().Msg("instance migrated to new host")

Context Logger Helpers:

	hostLog := log.WithHost("10.0.0.12:2375")
	hostLog.Warn().Msg("probe deadline exceeded")

	taskLog := log.WithTask(t.ID)
	taskLog.Info().Msg("backup archive uploaded")

# Integration Points

This package integrates with:

  - pkg/sense: logs each refresh's view sizes and probe-loop transitions
  - pkg/allocator: logs candidate scoring and fallback decisions
  - pkg/healer: logs each rule firing, keyed by group and rule name
  - pkg/group: logs lifecycle operation steps (create/delete/update/backup/
    restore/heal-self)
  - pkg/watch: logs watch wake-ups and backoff
  - cmd/herd: logs CLI invocation errors before translating them to exit
    codes

# Log Output Examples

JSON Format (production):

	{"level":"info","component":"healer","time":"2026-07-29T10:30:00Z","message":"rule rerun_missing_instance fired","group_id":"a1b2c3d4"}
	{"level":"warn","component":"sense","time":"2026-07-29T10:30:01Z","message":"probe timed out","host":"10.0.0.9"}
	{"level":"error","component":"group","time":"2026-07-29T10:30:02Z","message":"exec set_config failed","group_id":"a1b2c3d4","error":"exit status 1"}

Console Format (development):

	10:30:00 INF rule rerun_missing_instance fired component=healer group_id=a1b2c3d4
	10:30:01 WRN probe timed out component=sense host=10.0.0.9
	10:30:02 ERR exec set_config failed component=group group_id=a1b2c3d4 error="exit status 1"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at startup
  - Accessible from all packages without passing a logger through every
    call, matching how the Healer's pure rule functions stay free of a
    logger parameter

Context Logger Pattern:
  - Create child loggers with context fields (group, host, task) and pass
    them down instead of repeating `.Str("group_id", …)` at every call site

Structured Logging Pattern:
  - Typed fields (.Str, .Int, .Err) instead of string concatenation,
    parseable by log aggregation tooling

Error Logging Pattern:
  - Always use .Err(err) for herderr-wrapped errors — the error's Kind is
    already part of the message via herderr's Error() string

# Security

Log Content:
  - Never log the password env vars (TARANTOOL_USER_PASSWORD,
    MEMCACHED_PASSWORD) or the bearer ACL token passed to the KV Gateway
  - Use log scrubbing before shipping logs externally

Log Injection:
  - Use structured logging (.Str, .Int) for any value that ultimately came
    from user input (group name, CLI args) rather than string
    concatenation into the message

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers per package
  - Log errors with .Err() for consistent formatting

Don't:
  - Log passwords or the ACL token
  - Use Debug level in production
  - Log inside the Healer's per-pass loop in a way that scales with the
    number of groups without rate limiting

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
