// Package ippool leases IPv4 addresses from the configured subnet for new
// group instances. It owns exactly one piece of mutable in-process state:
// a short-lived reservation cache that closes the window between handing
// an address out and that address landing in a blueprint.
package ippool

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// reservationTTL is how long a handed-out address is held in the cache
// before it is assumed abandoned.
const reservationTTL = 30 * time.Second

// sweepInterval is how often the expirer removes stale reservations.
const sweepInterval = 10 * time.Second

// BlueprintSource supplies every instance address currently committed to a
// blueprint, so Allocate can treat them as taken. Sense satisfies this.
type BlueprintSource interface {
	Blueprints() []*types.Blueprint
}

// Pool leases addresses out of a single configured subnet.
type Pool struct {
	subnet netip.Prefix
	source BlueprintSource
	logger zerolog.Logger

	mu          sync.Mutex
	reservedAt  map[netip.Addr]time.Time

	stopCh chan struct{}
}

// New builds a Pool over subnet (CIDR), reading already-taken addresses from
// source on every Allocate call.
func New(subnet string, source BlueprintSource) (*Pool, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, herderr.Wrap(herderr.ConfigInvalid, "ippool.New", fmt.Errorf("parse subnet %q: %w", subnet, err))
	}
	return &Pool{
		subnet:     prefix,
		source:     source,
		logger:     log.WithComponent("ippool"),
		reservedAt: make(map[netip.Addr]time.Time),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins the reservation-cache expirer background task.
func (p *Pool) Start() {
	go p.expireLoop()
}

// Stop signals the expirer to exit at its next tick.
func (p *Pool) Stop() {
	close(p.stopCh)
}

func (p *Pool) expireLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.expire()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-reservationTTL)
	for addr, at := range p.reservedAt {
		if at.Before(cutoff) {
			delete(p.reservedAt, addr)
		}
	}
	metrics.RegisterComponent("ippool.expirer", true, "")
}

// Allocate returns the first address in subnet iteration order not already
// used by a reservation, a blueprint instance, skip, or the subnet's network
// or broadcast address.
func (p *Pool) Allocate(ctx context.Context, skip map[string]struct{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	used := make(map[netip.Addr]struct{}, len(p.reservedAt))
	for addr := range p.reservedAt {
		used[addr] = struct{}{}
	}
	for _, bp := range p.source.Blueprints() {
		for _, addr := range bp.Addrs() {
			if a, err := netip.ParseAddr(addr); err == nil {
				used[a] = struct{}{}
			}
		}
	}
	for addr := range skip {
		if a, err := netip.ParseAddr(addr); err == nil {
			used[a] = struct{}{}
		}
	}

	network := p.subnet.Masked().Addr()
	broadcast := broadcastAddr(p.subnet)

	for addr := p.subnet.Masked().Addr(); p.subnet.Contains(addr); addr = addr.Next() {
		if addr == network || addr == broadcast {
			continue
		}
		if _, taken := used[addr]; taken {
			continue
		}
		p.reservedAt[addr] = time.Now()
		return addr.String(), nil
	}

	metrics.IPPoolExhaustedTotal.Inc()
	return "", herderr.New(herderr.CapacityExhausted, "ippool.Allocate", fmt.Errorf("no free address in %s", p.subnet))
}

// Release drops a reservation early, e.g. when the caller abandons the
// instance it was reserved for before it reaches a blueprint.
func (p *Pool) Release(addr string) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reservedAt, a)
}

// broadcastAddr computes the last address in prefix (all host bits set).
func broadcastAddr(prefix netip.Prefix) netip.Addr {
	base := prefix.Masked().Addr()
	bytes := base.AsSlice()
	ones := prefix.Bits()
	for i := range bytes {
		bitOffset := i * 8
		if bitOffset+8 <= ones {
			continue
		}
		if bitOffset >= ones {
			bytes[i] = 0xff
			continue
		}
		mask := byte(0xff >> (ones - bitOffset))
		bytes[i] |= mask
	}
	addr, _ := netip.AddrFromSlice(bytes)
	return addr
}
