// Package healer is the Healer: the ordered set of idempotent reconciliation
// rules that drive observed state (KV allocations, discovery-agent
// registrations, emergent containers) toward what a group's blueprint
// declares. Each rule inspects one group and, if it finds a discrepancy,
// fixes exactly one thing and reports that it fired; the caller then starts
// over from a fresh snapshot rather than trying to reason about several
// simultaneous fixes landing in the same pass.
package healer

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/kv"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/sense"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// maxPasses bounds how many times Heal retries the full rule set before
// giving up and logging, guarding against a rule set that never reaches a
// fixed point because of a persistent external failure.
const maxPasses = 32

// GroupController is the per-type lifecycle the Healer drives: placing,
// running, and registering a group's instances. pkg/group implements this.
type GroupController interface {
	// Allocate picks hosts for every instance of a newly-declared group and
	// persists the choice, returning the resulting Allocation.
	Allocate(ctx context.Context, groupID string, bp *types.Blueprint) (*types.Allocation, error)
	// AllocateInstance picks and persists a host for one instance, given the
	// group's other already-allocated instances (for anti-affinity).
	AllocateInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) (host string, err error)
	// RunGroup creates and starts every instance container of a freshly
	// allocated group, then wires up any cross-instance setup (e.g.
	// replication) the type requires.
	RunGroup(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation) error
	// RunInstance creates and starts a single instance container.
	RunInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) error
	// DeleteContainer removes instance's container from host.
	DeleteContainer(ctx context.Context, groupID string, instance int, host string) error
	// RegisterInstance advertises instance with the discovery agent.
	RegisterInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) error
	// UnregisterInstance removes instance's registration from host.
	UnregisterInstance(ctx context.Context, groupID string, instance int, host string) error
	// CatalogDeregister removes a registration directly through the catalog,
	// for agents that are no longer reachable.
	CatalogDeregister(ctx context.Context, node, serviceID string) error
}

// SnapshotSource supplies the Sense views the Healer reconciles against,
// re-fetched once per pass so healing always reacts to current state.
type SnapshotSource interface {
	Refresh(ctx context.Context) error
	Current() sense.Snapshot
}

type rule struct {
	name string
	fn   func(ctx context.Context, group string, snap sense.Snapshot) (bool, error)
}

// Healer runs the reconciliation rule set to a fixed point.
type Healer struct {
	kv     *kv.Gateway
	group  GroupController
	source SnapshotSource
	rules  []rule
	logger zerolog.Logger
}

// New builds a Healer.
func New(kvGW *kv.Gateway, group GroupController, source SnapshotSource) *Healer {
	h := &Healer{kv: kvGW, group: group, source: source, logger: log.WithComponent("healer")}
	h.rules = []rule{
		{"cleanup_lost_containers", h.cleanupLostContainers},
		{"allocate_non_existing_groups", h.allocateNonExistingGroups},
		{"rerun_stopped_groups", h.rerunStoppedGroups},
		{"recreate_missing_allocation", h.recreateMissingAllocation},
		{"unallocate_instances_from_failing_nodes", h.unallocateInstancesFromFailingNodes},
		{"rerun_missing_instance", h.rerunMissingInstance},
		{"register_unregistered_instance", h.registerUnregisteredInstance},
		{"migrate_instance_to_correct_host", h.migrateInstanceToCorrectHost},
		{"register_instance_on_correct_host", h.registerInstanceOnCorrectHost},
		{"recreate_and_reallocate_failed_instance", h.recreateAndReallocateFailedInstance},
	}
	return h
}

// Heal runs every rule against every group, repeating from a fresh snapshot
// whenever a rule fires, until a pass changes nothing or maxPasses is hit.
func (h *Healer) Heal(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealerCycleDuration)

	passes := 0
	for {
		passes++
		if passes > maxPasses {
			h.logger.Warn().Int("passes", passes).Msg("healer did not reach a fixed point within the pass cap")
			break
		}

		if err := h.source.Refresh(ctx); err != nil {
			return herderr.Wrap(herderr.Transient, "healer.Heal", err)
		}
		snap := h.source.Current()

		fired, err := h.cleanupStaleRegistrations(ctx, snap)
		if err != nil {
			return err
		}
		if fired {
			metrics.HealerRulesFiredTotal.WithLabelValues("cleanup_stale_registrations").Inc()
			continue
		}

		// First rule to fire ends the pass: the next iteration re-snapshots so
		// every later decision sees the effect rather than stale state.
		groups := unionGroupIDs(snap)
		repeat := false
	scan:
		for _, group := range groups {
			for _, r := range h.rules {
				fired, err := r.fn(ctx, group, snap)
				if err != nil {
					h.logger.Error().Err(err).Str("group", group).Str("rule", r.name).Msg("healing rule failed")
					continue
				}
				if fired {
					metrics.HealerRulesFiredTotal.WithLabelValues(r.name).Inc()
					h.logger.Info().Str("group", group).Str("rule", r.name).Msg("healing rule fired")
					repeat = true
					break scan
				}
			}
		}

		metrics.HealerPassesTotal.Observe(float64(passes))
		if !repeat {
			return nil
		}
	}
	return nil
}

func unionGroupIDs(snap sense.Snapshot) []string {
	seen := make(map[string]struct{})
	for g := range snap.Blueprints {
		seen[g] = struct{}{}
	}
	for g := range snap.Allocations {
		seen[g] = struct{}{}
	}
	for g := range snap.Registrations {
		seen[g] = struct{}{}
	}
	for g := range snap.Emergent {
		seen[g] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for g := range seen {
		ids = append(ids, g)
	}
	sort.Strings(ids)
	return ids
}

func sortedBlueprintInstances(bp *types.Blueprint) []int {
	ids := make([]int, 0, len(bp.Instances))
	for i := range bp.Instances {
		ids = append(ids, i)
	}
	sort.Ints(ids)
	return ids
}

func (h *Healer) unallocateInstance(ctx context.Context, group string, instance int) error {
	return h.kv.DeleteRecursive(ctx, fmt.Sprintf("tarantool/%s/allocation/instances/%d", group, instance))
}

// cleanupStaleRegistrations removes a registration that points at a host
// other than the one the group's emergent container actually runs on: a
// leftover from a prior migration or a dueling re-registration after a
// discovery agent failover. It runs once per pass, ahead of the per-group
// rule sweep.
func (h *Healer) cleanupStaleRegistrations(ctx context.Context, snap sense.Snapshot) (bool, error) {
	catalog := make(map[string]struct{}, len(snap.ConsulHosts))
	for _, host := range snap.ConsulHosts {
		catalog[host.Address] = struct{}{}
	}

	for group, byInstance := range snap.Registrations {
		em := snap.Emergent[group]
		for instance, regs := range byInstance {
			for _, reg := range regs {
				// An agent that has left the catalog entirely cannot serve a
				// deregister call; go through the catalog instead.
				if _, known := catalog[reg.Agent]; !known && len(catalog) > 0 {
					h.logger.Info().Str("group", group).Int("instance", instance).Str("node", reg.Node).Msg("deregistering registration on catalog-absent host")
					if err := h.group.CatalogDeregister(ctx, reg.Node, fmt.Sprintf("%s_%d", group, instance)); err != nil {
						return false, err
					}
					return true, nil
				}
			}

			if em == nil {
				continue
			}
			container, ok := em[instance]
			if !ok {
				continue
			}
			// Deregister every agent whose address differs from the host the
			// instance actually runs on; only the emergent host's entry stays.
			fired := false
			for _, reg := range regs {
				if reg.Agent == container.Host {
					continue
				}
				h.logger.Info().Str("group", group).Int("instance", instance).Str("registered_on", reg.Agent).Str("running_on", container.Host).Msg("unregistering stale registration")
				if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
					return false, err
				}
				fired = true
			}
			if fired {
				return true, nil
			}
		}
	}
	return false, nil
}

// cleanupLostContainers removes emergent containers for a group with no
// blueprint at all: a fully deleted group whose runtime state has not yet
// caught up.
func (h *Healer) cleanupLostContainers(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	em, hasEmergent := snap.Emergent[group]
	if !hasEmergent {
		return false, nil
	}
	if _, hasBlueprint := snap.Blueprints[group]; hasBlueprint {
		return false, nil
	}

	for instance, container := range em {
		if err := h.group.DeleteContainer(ctx, group, instance, container.Host); err != nil {
			return false, err
		}
	}
	if alloc, ok := snap.Allocations[group]; ok {
		for instance := range alloc.Instances {
			if err := h.unallocateInstance(ctx, group, instance); err != nil {
				return false, err
			}
		}
	}
	if regs, ok := snap.Registrations[group]; ok {
		for instance, list := range regs {
			for _, reg := range list {
				if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
					return false, err
				}
			}
		}
	}
	return true, nil
}

// allocateNonExistingGroups places and runs a freshly declared group that
// has no allocation yet, first tearing down any leftover emergent/registered
// state so the new placement starts clean.
func (h *Healer) allocateNonExistingGroups(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	if _, hasAllocation := snap.Allocations[group]; hasAllocation {
		return false, nil
	}

	if em, ok := snap.Emergent[group]; ok {
		for instance, container := range em {
			if err := h.group.DeleteContainer(ctx, group, instance, container.Host); err != nil {
				return false, err
			}
		}
	}
	if regs, ok := snap.Registrations[group]; ok {
		for instance, list := range regs {
			for _, reg := range list {
				if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
					return false, err
				}
			}
		}
	}

	alloc, err := h.group.Allocate(ctx, group, bp)
	if err != nil {
		return false, err
	}
	if err := h.group.RunGroup(ctx, group, bp, alloc); err != nil {
		return false, err
	}
	for instance := range alloc.Instances {
		if err := h.group.RegisterInstance(ctx, group, bp, alloc, instance); err != nil {
			return false, err
		}
	}
	return true, nil
}

// rerunStoppedGroups recreates every instance of a group that has an
// allocation but no emergent container at all: the whole group stopped
// (e.g. the runtime host restarted without persistent containers).
func (h *Healer) rerunStoppedGroups(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		return false, nil
	}
	if _, hasEmergent := snap.Emergent[group]; hasEmergent {
		return false, nil
	}

	if regs, ok := snap.Registrations[group]; ok {
		for instance, list := range regs {
			for _, reg := range list {
				if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
					return false, err
				}
			}
		}
	}

	// Only a partial allocation is dropped and redone; a complete one is
	// reused so the instances come back on their declared hosts.
	cleanupAllocations := false
	for _, instance := range sortedBlueprintInstances(bp) {
		if _, ok := alloc.Instances[instance]; !ok {
			cleanupAllocations = true
		}
	}

	if cleanupAllocations {
		for _, instance := range sortedBlueprintInstances(bp) {
			if err := h.unallocateInstance(ctx, group, instance); err != nil {
				return false, err
			}
		}
		fresh, err := h.group.Allocate(ctx, group, bp)
		if err != nil {
			return false, err
		}
		alloc = fresh
	}

	if err := h.group.RunGroup(ctx, group, bp, alloc); err != nil {
		return false, err
	}
	for instance := range alloc.Instances {
		if err := h.group.RegisterInstance(ctx, group, bp, alloc, instance); err != nil {
			return false, err
		}
	}
	return true, nil
}

// recreateMissingAllocation allocates and runs the first blueprint instance
// that has fallen out of the allocation view entirely.
func (h *Healer) recreateMissingAllocation(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		alloc = &types.Allocation{GroupID: group, Instances: make(map[int]string)}
	}
	em := snap.Emergent[group]
	regs := snap.Registrations[group]

	for _, instance := range sortedBlueprintInstances(bp) {
		if _, ok := alloc.Instances[instance]; ok {
			continue
		}

		if container, ok := em[instance]; ok {
			if err := h.group.DeleteContainer(ctx, group, instance, container.Host); err != nil {
				return false, err
			}
		}
		for _, reg := range regs[instance] {
			if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
				return false, err
			}
		}

		host, err := h.group.AllocateInstance(ctx, group, bp, alloc, instance)
		if err != nil {
			return false, err
		}
		combined := combineAllocation(alloc, instance, host)
		if err := h.group.RunInstance(ctx, group, bp, combined, instance); err != nil {
			return false, err
		}
		if err := h.group.RegisterInstance(ctx, group, bp, combined, instance); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// unallocateInstancesFromFailingNodes drops an instance's allocation (and
// registration) when its host is no longer a healthy runtime host and no
// emergent container proves otherwise.
func (h *Healer) unallocateInstancesFromFailingNodes(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	alloc, ok := snap.Allocations[group]
	if !ok {
		return false, nil
	}
	healthy := make(map[string]struct{})
	for _, host := range snap.Hosts {
		if host.Status != types.StatusCritical {
			healthy[host.Address] = struct{}{}
		}
	}
	em := snap.Emergent[group]

	ids := make([]int, 0, len(alloc.Instances))
	for i := range alloc.Instances {
		ids = append(ids, i)
	}
	sort.Ints(ids)

	for _, instance := range ids {
		host := alloc.Instances[instance]
		if _, hasEmergent := em[instance]; hasEmergent {
			continue
		}
		if _, ok := healthy[host]; ok {
			continue
		}
		if err := h.unallocateInstance(ctx, group, instance); err != nil {
			return false, err
		}
		for _, reg := range snap.Registrations[group][instance] {
			if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// rerunMissingInstance recreates the first allocated instance that has no
// emergent container: the placement stands, only the container is gone.
func (h *Healer) rerunMissingInstance(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		return false, nil
	}
	em := snap.Emergent[group]

	for _, instance := range sortedBlueprintInstances(bp) {
		if _, ok := alloc.Instances[instance]; !ok {
			continue
		}
		if _, ok := em[instance]; ok {
			continue
		}
		if err := h.group.RunInstance(ctx, group, bp, alloc, instance); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// registerUnregisteredInstance advertises the first allocated instance that
// has no registration yet.
func (h *Healer) registerUnregisteredInstance(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		return false, nil
	}
	regs := snap.Registrations[group]

	for _, instance := range sortedBlueprintInstances(bp) {
		if _, ok := alloc.Instances[instance]; !ok {
			continue
		}
		if len(regs[instance]) > 0 {
			continue
		}
		if err := h.group.RegisterInstance(ctx, group, bp, alloc, instance); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// migrateInstanceToCorrectHost recreates the first instance whose emergent
// container runs on a host other than its current allocation.
func (h *Healer) migrateInstanceToCorrectHost(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		return false, nil
	}
	em := snap.Emergent[group]

	ids := make([]int, 0, len(alloc.Instances))
	for i := range alloc.Instances {
		ids = append(ids, i)
	}
	sort.Ints(ids)

	for _, instance := range ids {
		container, ok := em[instance]
		if !ok {
			continue
		}
		if alloc.Instances[instance] == container.Host {
			continue
		}
		if err := h.group.DeleteContainer(ctx, group, instance, container.Host); err != nil {
			return false, err
		}
		if err := h.group.RunInstance(ctx, group, bp, alloc, instance); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// registerInstanceOnCorrectHost re-registers the first instance whose
// registration agent no longer matches its current allocation.
func (h *Healer) registerInstanceOnCorrectHost(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		return false, nil
	}
	regs := snap.Registrations[group]

	ids := make([]int, 0, len(alloc.Instances))
	for i := range alloc.Instances {
		ids = append(ids, i)
	}
	sort.Ints(ids)

	for _, instance := range ids {
		list := regs[instance]
		if len(list) == 0 {
			continue
		}
		host := alloc.Instances[instance]
		onCorrect := false
		var wrong []*types.Registration
		for _, reg := range list {
			if reg.Agent == host {
				onCorrect = true
			} else {
				wrong = append(wrong, reg)
			}
		}
		if len(wrong) == 0 {
			continue
		}
		for _, reg := range wrong {
			if err := h.group.UnregisterInstance(ctx, group, instance, reg.Agent); err != nil {
				return false, err
			}
		}
		if !onCorrect {
			if err := h.group.RegisterInstance(ctx, group, bp, alloc, instance); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, nil
}

// recreateAndReallocateFailedInstance destroys and reallocates the first
// instance whose registration reports critical health.
func (h *Healer) recreateAndReallocateFailedInstance(ctx context.Context, group string, snap sense.Snapshot) (bool, error) {
	bp, hasBlueprint := snap.Blueprints[group]
	if !hasBlueprint {
		return false, nil
	}
	alloc, hasAllocation := snap.Allocations[group]
	if !hasAllocation {
		alloc = &types.Allocation{GroupID: group, Instances: make(map[int]string)}
	}
	em := snap.Emergent[group]
	regs := snap.Registrations[group]

	ids := make([]int, 0, len(regs))
	for i := range regs {
		ids = append(ids, i)
	}
	sort.Ints(ids)

	for _, instance := range ids {
		reg := types.PrimaryRegistration(regs[instance], alloc.Instances[instance])
		if reg == nil || reg.Status != types.StatusCritical {
			continue
		}

		if container, ok := em[instance]; ok {
			if err := h.group.DeleteContainer(ctx, group, instance, container.Host); err != nil {
				return false, err
			}
		}
		if err := h.unallocateInstance(ctx, group, instance); err != nil {
			return false, err
		}
		for _, stale := range regs[instance] {
			if err := h.group.UnregisterInstance(ctx, group, instance, stale.Agent); err != nil {
				return false, err
			}
		}

		host, err := h.group.AllocateInstance(ctx, group, bp, alloc, instance)
		if err != nil {
			return false, err
		}
		combined := combineAllocation(alloc, instance, host)
		if err := h.group.RunInstance(ctx, group, bp, combined, instance); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// combineAllocation returns a copy of alloc with instance set to host,
// leaving the original snapshot's allocation untouched.
func combineAllocation(alloc *types.Allocation, instance int, host string) *types.Allocation {
	instances := make(map[int]string, len(alloc.Instances)+1)
	for i, h := range alloc.Instances {
		instances[i] = h
	}
	instances[instance] = host
	return &types.Allocation{GroupID: alloc.GroupID, Instances: instances}
}
