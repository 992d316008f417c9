// Package watch is the Watch Loop: a single long-lived task that long-polls
// the discovery agent's health index for each group type and triggers
// healing either when the window elapses with no news (periodic heal) or
// when an event shows a critical instance (heal-on-critical). It is the
// component that makes healing event-driven rather than purely
// timer-driven.
package watch

import (
	"context"
	"time"

	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/registry"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// waitSeconds is the long-poll window passed to WatchHealth; it doubles as
// the periodic-heal interval when no event arrives within it.
const waitSeconds = 300 * time.Second

const (
	minBackoff = time.Second
	maxBackoff = 10 * time.Second
)

// Healer is the subset of *healer.Healer the watch loop drives.
type Healer interface {
	Heal(ctx context.Context) error
}

// HealthSource is the subset of *registry.Gateway the watch loop long-polls.
type HealthSource interface {
	ServiceHealth(ctx context.Context, anyAgentAddr, serviceName string, waitIndex uint64, waitSeconds time.Duration) (uint64, []registry.HealthEntry, error)
}

// Loop runs one blocking WatchHealth long-poll per group type and calls Heal
// whenever the watch reports a critical instance or its window elapses.
type Loop struct {
	reg         HealthSource
	agentAddr   string
	healer      Healer
	groupTypes  []types.GroupType
	waitSeconds time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a Loop watching every group type's service name against the
// agent reachable at agentAddr.
func New(reg HealthSource, agentAddr string, healer Healer) *Loop {
	return &Loop{
		reg:         reg,
		agentAddr:   agentAddr,
		healer:      healer,
		groupTypes:  []types.GroupType{types.GroupMemcached, types.GroupTarantool, types.GroupTarantino},
		waitSeconds: waitSeconds,
		logger:      log.WithComponent("watch"),
		stopCh:      make(chan struct{}),
	}
}

// SetWaitSeconds overrides the long-poll window used by subsequent Start
// calls. Call before Start; changing it afterward has no effect on watch
// goroutines already blocked in a long-poll.
func (l *Loop) SetWaitSeconds(d time.Duration) {
	l.waitSeconds = d
}

// Start launches one watch goroutine per group type.
func (l *Loop) Start() {
	for _, gt := range l.groupTypes {
		go l.run(gt)
	}
}

// Stop signals every watch goroutine to exit at its next suspension point.
func (l *Loop) Stop() {
	close(l.stopCh)
}

// run is the per-service-name watch loop: blocking long-poll, decide whether
// to heal, repeat. Errors back off between minBackoff and maxBackoff rather
// than spinning.
func (l *Loop) run(gt types.GroupType) {
	serviceName := string(gt)
	l.logger.Info().Str("service", serviceName).Msg("watch loop started")

	var lastIndex uint64
	backoff := minBackoff

	for {
		select {
		case <-l.stopCh:
			l.logger.Info().Str("service", serviceName).Msg("watch loop stopped")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.waitSeconds+30*time.Second)
		newIndex, entries, err := l.reg.ServiceHealth(ctx, l.agentAddr, serviceName, lastIndex, l.waitSeconds)
		cancel()
		if err != nil {
			l.logger.Warn().Err(err).Str("service", serviceName).Msg("watch health failed, backing off")
			metrics.WatchEventsTotal.WithLabelValues("error").Inc()
			metrics.RegisterComponent("watch", false, err.Error())
			if !l.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
		metrics.RegisterComponent("watch", true, "")

		heal := false
		switch {
		case lastIndex != 0 && newIndex == lastIndex:
			l.logger.Info().Str("service", serviceName).Msg("watch window elapsed with no events, running periodic heal")
			heal = true
			metrics.WatchEventsTotal.WithLabelValues("timeout").Inc()
		default:
			for _, e := range entries {
				if e.Status == types.StatusCritical {
					heal = true
					break
				}
			}
			if heal {
				l.logger.Info().Str("service", serviceName).Msg("critical instance observed, running heal")
				metrics.WatchEventsTotal.WithLabelValues("event").Inc()
			}
		}
		lastIndex = newIndex

		if heal {
			healCtx, healCancel := context.WithTimeout(context.Background(), l.waitSeconds)
			if err := l.healer.Heal(healCtx); err != nil {
				l.logger.Error().Err(err).Str("service", serviceName).Msg("heal triggered by watch failed")
			}
			healCancel()
		}
	}
}

// sleep blocks for d or until Stop is called, returning false in the latter
// case so the caller can exit immediately.
func (l *Loop) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-l.stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
