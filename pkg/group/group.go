// Package group is the Group Controller: the seam between the Healer's
// reconciliation rules and the concrete gateways (KV, registry, runtime, IP
// pool, allocator) that actually place and run a replicated group's
// instances. It implements healer.GroupController and additionally exposes
// the group lifecycle operations the CLI drives directly: Create, Delete,
// Update and Backup/Restore.
//
// A blueprint's instances run as tarantool-image containers bound to a
// fixed network address, replicating pairwise, registered under the group
// type's service name with shell-script health checks.
package group

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/herd/pkg/allocator"
	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/ippool"
	"github.com/cuemby/herd/pkg/kv"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/registry"
	"github.com/cuemby/herd/pkg/runtime"
	"github.com/cuemby/herd/pkg/sense"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

// servicePort is the fixed port every instance listens on, regardless of
// GroupType: the type distinguishes lifecycle capability, not wire
// protocol. Each GroupType registers under its own service name (Sense
// queries the catalog once per type) so the Healer and CLI can still tell
// a memcached pair apart from a tarantool or tarantino group by service.
const servicePort = 3301

// appLuaPath/monDirPath are the host paths bind-mounted read-only into every
// instance container. Every group type is tarantool-based — the memcached
// type is tarantool running its memcached frontend module, which is what
// makes a memcached pair replicable at all.
const (
	appLuaPath     = "/opt/tarantool_cloud/app.lua"
	monDirPath     = "/opt/tarantool_cloud/mon.d"
	tarantoolImage = "tarantool/tarantool:latest"
	memcachedImage = "tarantool/memcached:latest"
)

// imageFor returns the image bp's containers run: bp.Image if an upgrade
// has set one, otherwise the group type's default.
func imageFor(bp *types.Blueprint) string {
	if bp.Image != "" {
		return bp.Image
	}
	if bp.Type == types.GroupMemcached {
		return memcachedImage
	}
	return tarantoolImage
}

func commandFor(bp *types.Blueprint) []string {
	return []string{"tarantool", "/var/lib/tarantool/app.lua"}
}

func mountsFor(t types.GroupType) []runtime.Mount {
	return []runtime.Mount{
		{Source: appLuaPath, Destination: "/var/lib/tarantool/app.lua", ReadOnly: true},
		{Source: monDirPath, Destination: "/var/lib/mon.d", ReadOnly: true},
	}
}

// envFor builds a group's container environment: the memory limit as a GiB
// float via TARANTOOL_SLAB_ALLOC_ARENA, the password (if set — surfaced as
// MEMCACHED_PASSWORD for the memcached frontend, as user credentials
// otherwise), and a replication source address (if replicaAddr is non-empty,
// meaning this instance is not the group's primary).
func envFor(bp *types.Blueprint, replicaAddr string) []string {
	env := []string{fmt.Sprintf("TARANTOOL_SLAB_ALLOC_ARENA=%.2f", float64(bp.MemSizeMiB)/1024.0)}
	if bp.Password != "" {
		if bp.Type == types.GroupMemcached {
			env = append(env, fmt.Sprintf("MEMCACHED_PASSWORD=%s", bp.Password))
		} else {
			env = append(env, "TARANTOOL_USER_NAME=tarantool", fmt.Sprintf("TARANTOOL_USER_PASSWORD=%s", bp.Password))
		}
	}
	if replicaAddr != "" {
		env = append(env, fmt.Sprintf("TARANTOOL_REPLICATION_SOURCE=%s", replicaAddr))
	}
	return env
}

// RuntimeDialer connects to a host's runtime gateway, given its address.
type RuntimeDialer func(hostAddr string) (*runtime.Gateway, error)

// SenseSource is the subset of Sense the controller needs to build
// allocation decisions and to read back current group state.
type SenseSource interface {
	Refresh(ctx context.Context) error
	Current() sense.Snapshot
}

// Controller places, runs, registers and tears down group instances, and
// implements healer.GroupController.
type Controller struct {
	kv      *kv.Gateway
	reg     *registry.Gateway
	dial    RuntimeDialer
	alloc   *allocator.Allocator
	ips     *ippool.Pool
	sense   SenseSource
	network types.NetworkSettings
	backups BackupStore
	logger  zerolog.Logger
}

// New builds a Controller. backupStore may be nil if the deployment never
// calls Backup/Restore (e.g. a memcached-only fleet).
func New(kvGW *kv.Gateway, regGW *registry.Gateway, dial RuntimeDialer, alloc *allocator.Allocator, ips *ippool.Pool, senseSource SenseSource, network types.NetworkSettings, backupStore BackupStore) *Controller {
	return &Controller{
		kv:      kvGW,
		reg:     regGW,
		dial:    dial,
		alloc:   alloc,
		ips:     ips,
		sense:   senseSource,
		network: network,
		backups: backupStore,
		logger:  log.WithComponent("group"),
	}
}

// containerID derives the per-instance container/service id, matching the
// registered instance naming convention "<group>_<instance>".
func containerID(groupID string, instance int) string {
	return fmt.Sprintf("%s_%d", groupID, instance)
}

func (c *Controller) allocatorSnapshot(snap sense.Snapshot) allocator.Snapshot {
	allocs := make([]*types.Allocation, 0, len(snap.Allocations))
	for _, a := range snap.Allocations {
		allocs = append(allocs, a)
	}
	return allocator.Snapshot{Hosts: snap.Hosts, Allocations: allocs, Blueprints: snap.Blueprints}
}

// Allocate picks a host for every instance of bp, preferring to spread a
// group's own instances across distinct hosts, and persists the result to
// the allocation KV subtree.
func (c *Controller) Allocate(ctx context.Context, groupID string, bp *types.Blueprint) (*types.Allocation, error) {
	snap := c.sense.Current()
	allocSnap := c.allocatorSnapshot(snap)

	instances := instancesOf(bp)
	result := &types.Allocation{GroupID: groupID, Instances: make(map[int]string, len(instances))}

	var chosen []string
	for _, instance := range instances {
		host, err := c.alloc.Allocate(allocSnap, bp.MemSizeMiB, chosen)
		if err != nil {
			return nil, err
		}
		result.Instances[instance] = host
		chosen = append(chosen, host)
		if err := c.kv.Put(ctx, fmt.Sprintf("tarantool/%s/allocation/instances/%d/host", groupID, instance), host); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// AllocateInstance picks a host for a single instance, avoiding the hosts
// already occupied by the group's other instances.
func (c *Controller) AllocateInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) (string, error) {
	snap := c.sense.Current()
	allocSnap := c.allocatorSnapshot(snap)

	var anti []string
	if alloc != nil {
		for inst, host := range alloc.Instances {
			if inst != instance {
				anti = append(anti, host)
			}
		}
	}

	host, err := c.alloc.Allocate(allocSnap, bp.MemSizeMiB, anti)
	if err != nil {
		return "", err
	}
	if err := c.kv.Put(ctx, fmt.Sprintf("tarantool/%s/allocation/instances/%d/host", groupID, instance), host); err != nil {
		return "", err
	}
	return host, nil
}

// RunGroup creates and starts every instance of bp on its allocated host,
// pairing instance 2 onward as a replica of instance 1.
func (c *Controller) RunGroup(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation) error {
	instances := instancesOf(bp)
	if len(instances) == 0 {
		return nil
	}
	primary := instances[0]
	for _, instance := range instances {
		if err := c.createInstance(ctx, groupID, bp, alloc, instance, primary); err != nil {
			return err
		}
	}
	if len(instances) > 1 {
		c.waitForInstances(ctx, groupID, alloc, instances)
		c.enableReplicationWithRetry(ctx, groupID, bp, alloc, instances)
	}
	return nil
}

// RunInstance (re)creates a single instance, replicating from the group's
// primary instance when the group has more than one member.
func (c *Controller) RunInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) error {
	instances := instancesOf(bp)
	primary := instance
	if len(instances) > 0 {
		primary = instances[0]
	}
	if err := c.createInstance(ctx, groupID, bp, alloc, instance, primary); err != nil {
		return err
	}
	if len(instances) > 1 {
		c.waitForInstances(ctx, groupID, alloc, []int{instance})
		c.enableReplicationWithRetry(ctx, groupID, bp, alloc, instances)
	}
	return nil
}

func (c *Controller) createInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance, primary int) error {
	host, ok := alloc.Instances[instance]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.createInstance", fmt.Errorf("no allocation for %s instance %d", groupID, instance))
	}
	bpInst, ok := bp.Instances[instance]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.createInstance", fmt.Errorf("no blueprint entry for %s instance %d", groupID, instance))
	}

	gw, err := c.dial(host)
	if err != nil {
		return err
	}
	image := imageFor(bp)
	if err := gw.EnsureImage(ctx, image, false); err != nil {
		return err
	}
	if err := gw.EnsureNetwork(ctx, c.network.NetworkName, c.network.Subnet, true); err != nil {
		return err
	}

	var replicaAddr string
	if instance != primary {
		if primaryInst, ok := bp.Instances[primary]; ok {
			replicaAddr = fmt.Sprintf("%s:%d", primaryInst.Addr, servicePort)
		}
	}

	spec := runtime.ContainerSpec{
		ID:            containerID(groupID, instance),
		Image:         image,
		Command:       commandFor(bp),
		Env:           envFor(bp, replicaAddr),
		Labels:        map[string]string{"type": string(bp.Type), "group_id": groupID, "instance": fmt.Sprint(instance)},
		RestartPolicy: "unless-stopped",
		Mounts:        mountsFor(bp.Type),
		NetworkIP:     bpInst.Addr,
	}

	// CreateContainer already starts the container's task.
	_, err = gw.CreateContainer(ctx, spec)
	return err
}

const (
	replicationAttempts = 5
	replicationRetryGap = time.Second
	replicationDeadline = 10 * time.Second
	upProbeInterval     = time.Second
)

// waitForInstances polls each named instance with an in-container liveness
// script at one-second intervals until it reports up. The retry count is
// unbounded; a freshly started instance is expected to come up, and the
// surrounding operation's context bounds the total wait.
func (c *Controller) waitForInstances(ctx context.Context, groupID string, alloc *types.Allocation, instances []int) {
	for _, instance := range instances {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		gw, err := c.dial(host)
		if err != nil {
			c.logger.Warn().Err(err).Str("group_id", groupID).Int("instance", instance).Msg("dial failed, skipping up probe")
			continue
		}
		id := containerID(groupID, instance)
		for {
			res, err := gw.Exec(ctx, id, []string{"/var/lib/mon.d/tarantool_is_up.sh"})
			if err == nil && res.ExitCode == 0 {
				break
			}
			select {
			case <-ctx.Done():
				c.logger.Warn().Str("group_id", groupID).Int("instance", instance).Msg("up probe abandoned: context cancelled")
				return
			case <-time.After(upProbeInterval):
			}
		}
	}
}

// enableReplicationWithRetry runs the symmetric replication setup up to
// replicationAttempts times with replicationRetryGap between attempts, each
// attempt bounded by replicationDeadline. A group that never converges is
// left for the next heal pass rather than failing the whole operation.
func (c *Controller) enableReplicationWithRetry(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instances []int) {
	var err error
	for attempt := 1; attempt <= replicationAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, replicationDeadline)
		err = c.enableReplication(attemptCtx, groupID, bp, alloc, instances)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn().Err(err).Str("group_id", groupID).Int("attempt", attempt).Msg("replication setup failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(replicationRetryGap):
		}
	}
}

// enableReplication wires every instance's replication_source at box.cfg to
// every other instance in the group, making the pair symmetric.
func (c *Controller) enableReplication(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instances []int) error {
	for _, instance := range instances {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		gw, err := c.dial(host)
		if err != nil {
			return err
		}
		sources := make([]string, 0, len(instances)-1)
		for _, other := range instances {
			if other == instance {
				continue
			}
			if otherInst, ok := bp.Instances[other]; ok {
				sources = append(sources, fmt.Sprintf("'%s:%d'", otherInst.Addr, servicePort))
			}
		}
		if len(sources) == 0 {
			continue
		}
		lua := fmt.Sprintf("box.cfg{replication_source={%s}}", joinCommas(sources))
		res, err := gw.Exec(ctx, containerID(groupID, instance), []string{"tarantool", "-e", lua})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return herderr.New(herderr.ExternalFailure, "group.enableReplication", fmt.Errorf("instance %d: replication script exited %d", instance, res.ExitCode))
		}
	}
	return nil
}

func joinCommas(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// DeleteContainer stops and removes a single instance's container on host.
// A host the sensing layer no longer considers healthy is skipped rather
// than erroring, since there is nothing reachable to act on.
func (c *Controller) DeleteContainer(ctx context.Context, groupID string, instance int, host string) error {
	if !c.hostHealthy(host) {
		c.logger.Warn().Str("group_id", groupID).Str("host", host).Msg("skipping delete_container: host unhealthy")
		return nil
	}
	gw, err := c.dial(host)
	if err != nil {
		return err
	}
	return gw.Remove(ctx, containerID(groupID, instance))
}

func (c *Controller) hostHealthy(host string) bool {
	snap := c.sense.Current()
	for _, h := range snap.Hosts {
		if h.Address == host {
			return h.Status != types.StatusCritical
		}
	}
	return false
}

// RegisterInstance registers an instance's service and health checks with
// the discovery agent on its host.
func (c *Controller) RegisterInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) error {
	host, ok := alloc.Instances[instance]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.RegisterInstance", fmt.Errorf("no allocation for %s instance %d", groupID, instance))
	}
	bpInst, ok := bp.Instances[instance]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.RegisterInstance", fmt.Errorf("no blueprint entry for %s instance %d", groupID, instance))
	}

	id := containerID(groupID, instance)
	return c.reg.RegisterService(ctx, host, string(bp.Type), id, bpInst.Addr, servicePort, []string{string(bp.Type)}, checksFor(bp, id))
}

// checksFor builds an instance's health checks: a memory-utilization check
// for every type, and a replication check only for the pair types (a
// single-instance group has no replica to compare against).
func checksFor(bp *types.Blueprint, id string) []registry.Check {
	checks := []registry.Check{{
		ID:       id + "-memory",
		Name:     "Memory Utilization",
		Script:   fmt.Sprintf("/var/lib/mon.d/tarantool_memory.sh %s", id),
		Interval: bp.CheckPeriod,
	}}
	if bp.Type.InstanceCount() > 1 {
		checks = append(checks, registry.Check{
			ID:       id + "-replication",
			Name:     "Replication",
			Script:   fmt.Sprintf("/var/lib/mon.d/tarantool_replication.sh %s", id),
			Interval: bp.CheckPeriod,
		})
	}
	return checks
}

// UnregisterInstance removes an instance's service registration from host.
func (c *Controller) UnregisterInstance(ctx context.Context, groupID string, instance int, host string) error {
	return c.reg.DeregisterService(ctx, host, containerID(groupID, instance))
}

// CatalogDeregister removes a service registration through the catalog, for
// registrations stranded on an agent that is no longer reachable.
func (c *Controller) CatalogDeregister(ctx context.Context, node, serviceID string) error {
	return c.reg.CatalogDeregister(ctx, "", node, serviceID)
}

