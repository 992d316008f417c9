// Package allocator chooses a runtime host for a new group instance,
// scoring candidates by anti-affinity and free memory.
package allocator

import (
	"fmt"
	"sort"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// imTag is the host tag that marks a node as eligible to run managed
// instances. Required uniformly in every sensing path that feeds the
// Allocator (spec open question i).
const imTag = "im"

// Snapshot is the subset of Sense's views the Allocator needs: the set of
// healthy hosts and the current allocations (to compute used memory).
type Snapshot struct {
	Hosts       []*types.HostRecord
	Allocations []*types.Allocation
	Blueprints  map[string]*types.Blueprint // id -> blueprint, for memsize lookup
}

// Allocator scores candidate hosts and picks one per call.
type Allocator struct {
	logger zerolog.Logger
}

// New builds an Allocator.
func New() *Allocator {
	return &Allocator{logger: log.WithComponent("allocator")}
}

type candidate struct {
	host        *types.HostRecord
	affinityBit int
	freeMem     int64
}

// Allocate picks a host for an instance requiring memoryMiB, preferring
// hosts not in antiAffinity.
func (a *Allocator) Allocate(snap Snapshot, memoryMiB int, antiAffinity []string) (string, error) {
	anti := make(map[string]struct{}, len(antiAffinity))
	for _, h := range antiAffinity {
		anti[h] = struct{}{}
	}

	used := usedMemoryByHost(snap)

	var candidates []candidate
	for _, h := range snap.Hosts {
		if h.Status == types.StatusCritical {
			continue
		}
		if !h.HasTag(imTag) {
			continue
		}
		affinityBit := 1
		if _, excluded := anti[h.Address]; excluded {
			affinityBit = 0
		}
		candidates = append(candidates, candidate{
			host:        h,
			affinityBit: affinityBit,
			freeMem:     h.MemoryMiB - used[h.Address],
		})
	}

	if len(candidates) == 0 {
		metrics.AllocationsTotal.WithLabelValues("capacity_exhausted").Inc()
		return "", herderr.New(herderr.CapacityExhausted, "allocator.Allocate", fmt.Errorf("no healthy %q-tagged hosts", imTag))
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].affinityBit != candidates[j].affinityBit {
			return candidates[i].affinityBit > candidates[j].affinityBit
		}
		return candidates[i].freeMem > candidates[j].freeMem
	})

	for _, c := range candidates {
		if c.freeMem > int64(memoryMiB) {
			metrics.AllocationsTotal.WithLabelValues("placed").Inc()
			return c.host.Address, nil
		}
	}

	top := candidates[0]
	metrics.AllocationsTotal.WithLabelValues("fallback").Inc()
	a.logger.Warn().
		Str("host", top.host.Address).
		Int64("free_mem_mib", top.freeMem).
		Int("required_mib", memoryMiB).
		Msg("allocator fallback: no host satisfies the memory threshold")
	return top.host.Address, nil
}

// usedMemoryByHost sums, per host, the declared memsize of every instance
// currently allocated to it.
func usedMemoryByHost(snap Snapshot) map[string]int64 {
	used := make(map[string]int64)
	for _, alloc := range snap.Allocations {
		bp, ok := snap.Blueprints[alloc.GroupID]
		if !ok {
			continue
		}
		for _, host := range alloc.Instances {
			used[host] += int64(bp.MemSizeMiB)
		}
	}
	return used
}
