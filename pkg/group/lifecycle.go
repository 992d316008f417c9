package group

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/task"
	"github.com/cuemby/herd/pkg/types"
	"github.com/google/uuid"
)

// defaultCheckPeriod is used when the caller does not supply one.
const defaultCheckPeriod = 10 * time.Second

// Create reserves IP addresses for a new group's instances, writes its
// blueprint, then places, registers and runs every instance inline: refresh
// Sense so the new blueprint is visible, pick a host per instance (the
// second anti-affine to the first), register each service with the agent on
// its host, create the containers, and — for pair types — wait for both
// members and wire symmetric replication. Anything this inline pass leaves
// undone (a host that refused the container, a registration that bounced)
// is picked up by the Healer's next pass over the same blueprint.
func (c *Controller) Create(ctx context.Context, t *task.Task, name string, groupType types.GroupType, memSizeMiB int, password string, checkPeriod time.Duration) (*types.Blueprint, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GroupCreateDuration)

	if memSizeMiB <= 0 {
		return nil, herderr.New(herderr.ConfigInvalid, "group.Create", fmt.Errorf("memsize must be positive"))
	}
	if checkPeriod <= 0 {
		checkPeriod = defaultCheckPeriod
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	n := groupType.InstanceCount()

	skip := make(map[string]struct{}, n)
	addrs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		addr, err := c.ips.Allocate(ctx, skip)
		if err != nil {
			for _, a := range addrs {
				c.ips.Release(a)
			}
			return nil, err
		}
		skip[addr] = struct{}{}
		addrs = append(addrs, addr)
	}

	bp := &types.Blueprint{
		ID:           id,
		Type:         groupType,
		Name:         name,
		MemSizeMiB:   memSizeMiB,
		CheckPeriod:  checkPeriod,
		CreationTime: time.Now(),
		Instances:    make(map[int]types.BlueprintInstance, n),
		Password:     password,
	}
	for i := 1; i <= n; i++ {
		bp.Instances[i] = types.BlueprintInstance{Num: i, Addr: addrs[i-1]}
	}

	if err := c.writeBlueprint(ctx, bp); err != nil {
		return nil, err
	}
	logf(t, "blueprint %s created for %q (%s, %d instance(s))", id, name, groupType, n)

	if err := c.sense.Refresh(ctx); err != nil {
		return nil, err
	}
	alloc, err := c.Allocate(ctx, id, bp)
	if err != nil {
		return nil, err
	}
	logf(t, "allocated: %v", alloc.Instances)

	for _, instance := range instancesOf(bp) {
		if err := c.RegisterInstance(ctx, id, bp, alloc, instance); err != nil {
			return nil, err
		}
	}
	if err := c.RunGroup(ctx, id, bp, alloc); err != nil {
		return nil, err
	}
	if err := c.sense.Refresh(ctx); err != nil {
		return nil, err
	}
	logf(t, "group %s running", id)
	return bp, nil
}

func (c *Controller) writeBlueprint(ctx context.Context, bp *types.Blueprint) error {
	prefix := fmt.Sprintf("tarantool/%s/blueprint", bp.ID)
	writes := map[string]string{
		prefix + "/type":          string(bp.Type),
		prefix + "/name":          bp.Name,
		prefix + "/memsize":       fmt.Sprint(bp.MemSizeMiB),
		prefix + "/check_period":  fmt.Sprint(int(bp.CheckPeriod.Seconds())),
		prefix + "/creation_time": bp.CreationTime.UTC().Format(time.RFC3339),
	}
	for i, inst := range bp.Instances {
		writes[fmt.Sprintf("%s/instances/%d/addr", prefix, i)] = inst.Addr
	}
	for key, value := range writes {
		if err := c.kv.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Delete tears down every instance, registration and allocation of groupID,
// then removes its blueprint. Best-effort: a single instance's teardown
// failure is logged and does not abort the rest.
func (c *Controller) Delete(ctx context.Context, t *task.Task, groupID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GroupDeleteDuration)

	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Delete", fmt.Errorf("group %s not found", groupID))
	}

	alloc := snap.Allocations[groupID]
	for instance := range bp.Instances {
		var host string
		if alloc != nil {
			host = alloc.Instances[instance]
		}
		if host == "" {
			continue
		}
		if err := c.UnregisterInstance(ctx, groupID, instance, host); err != nil {
			logf(t, "unregister instance %d: %v", instance, err)
		}
		if err := c.DeleteContainer(ctx, groupID, instance, host); err != nil {
			logf(t, "delete container %d: %v", instance, err)
		}
	}

	if err := c.kv.DeleteRecursive(ctx, fmt.Sprintf("tarantool/%s/allocation", groupID)); err != nil {
		return err
	}
	if err := c.kv.DeleteRecursive(ctx, fmt.Sprintf("tarantool/%s", groupID)); err != nil {
		return err
	}
	logf(t, "group %s deleted", groupID)
	return nil
}

// Stop tears down groupID's containers and service registrations but leaves
// its blueprint and allocation in place, so the instances' declared home is
// unchanged. It is meant for brief maintenance: left alone, a subsequent
// Healer pass (rerunStoppedGroups) will notice the group has no emergent
// containers and bring it back, matching the Healer's steady-state
// guarantee that any blueprint with an allocation stays running.
func (c *Controller) Stop(ctx context.Context, t *task.Task, groupID string) error {
	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Stop", fmt.Errorf("group %s not found", groupID))
	}
	alloc, ok := snap.Allocations[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Stop", fmt.Errorf("group %s has no allocation", groupID))
	}

	for instance := range bp.Instances {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		if err := c.DeleteContainer(ctx, groupID, instance, host); err != nil {
			logf(t, "stop instance %d: %v", instance, err)
		}
		if err := c.UnregisterInstance(ctx, groupID, instance, host); err != nil {
			logf(t, "unregister instance %d: %v", instance, err)
		}
	}
	logf(t, "group %s stopped", groupID)
	return nil
}

// Start recreates and re-registers every instance of groupID using its
// existing blueprint and allocation. It is the direct counterpart to Stop,
// and is what the Healer's rerunStoppedGroups rule does automatically on
// its next pass — Start exists so an operator can force it immediately.
func (c *Controller) Start(ctx context.Context, t *task.Task, groupID string) error {
	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Start", fmt.Errorf("group %s not found", groupID))
	}
	alloc, ok := snap.Allocations[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Start", fmt.Errorf("group %s has no allocation", groupID))
	}

	if err := c.RunGroup(ctx, groupID, bp, alloc); err != nil {
		return err
	}
	for instance := range alloc.Instances {
		if err := c.RegisterInstance(ctx, groupID, bp, alloc, instance); err != nil {
			logf(t, "register instance %d: %v", instance, err)
		}
	}
	logf(t, "group %s started", groupID)
	return nil
}

func logf(t *task.Task, format string, args ...interface{}) {
	if t != nil {
		t.Logf(format, args...)
	}
}

// ConfigUpdate is an update-config sub-operation's payload: a `.tar.gz`,
// `.tgz`, or a single `.lua` file, named so the extension can be told apart.
type ConfigUpdate struct {
	Filename string
	Data     io.Reader
}

// UpdateSpec describes one Update call; every field is an optional
// sub-operation, applied in a fixed order: rename, resize, set password,
// update config, upgrade image, heal-self, restore backup.
type UpdateSpec struct {
	Name          string        // rename, if non-empty
	MemSizeMiB    int           // resize, if > 0 and different from current
	Password      string        // set password, if non-empty
	Config        *ConfigUpdate // update config, if non-nil
	Image         string        // upgrade, if non-empty
	Heal          bool          // heal-self, recover a missing pair member
	RestoreBackup string        // restore, if non-empty (a backup id)
}

// Update applies spec's sub-operations to groupID in a fixed order and
// aborts the remaining sub-operations on the first failure.
func (c *Controller) Update(ctx context.Context, t *task.Task, groupID string, spec UpdateSpec) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GroupUpdateDuration)

	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Update", fmt.Errorf("group %s not found", groupID))
	}

	if spec.Name != "" {
		if err := c.rename(ctx, t, bp, spec.Name); err != nil {
			return err
		}
	}
	if spec.MemSizeMiB > 0 && spec.MemSizeMiB != bp.MemSizeMiB {
		if err := c.resize(ctx, t, groupID, bp, spec.MemSizeMiB); err != nil {
			return err
		}
	}
	if spec.Password != "" {
		if err := c.setPassword(ctx, t, groupID, bp, spec.Password); err != nil {
			return err
		}
	}
	if spec.Config != nil {
		if err := c.updateConfig(ctx, t, groupID, bp, spec.Config); err != nil {
			return err
		}
	}
	if spec.Image != "" {
		if err := c.upgrade(ctx, t, groupID, bp, spec.Image); err != nil {
			return err
		}
	}
	if spec.Heal {
		if err := c.HealSelf(ctx, t, groupID); err != nil {
			return err
		}
	}
	if spec.RestoreBackup != "" {
		if err := c.Restore(ctx, t, groupID, spec.RestoreBackup); err != nil {
			return err
		}
	}

	// Several sub-operations restart or recreate containers; re-wire the pair
	// before handing the group back, then refresh so callers see the result.
	if bp.Type.InstanceCount() > 1 {
		if alloc := c.sense.Current().Allocations[groupID]; alloc != nil {
			c.enableReplicationWithRetry(ctx, groupID, bp, alloc, instancesOf(bp))
		}
	}
	return c.sense.Refresh(ctx)
}

func (c *Controller) rename(ctx context.Context, t *task.Task, bp *types.Blueprint, name string) error {
	if err := c.kv.Put(ctx, fmt.Sprintf("tarantool/%s/blueprint/name", bp.ID), name); err != nil {
		return err
	}
	logf(t, "renamed to %q", name)
	return nil
}

// resize grows or shrinks every instance of groupID to memSizeMiB via the
// in-container reconfiguration script, then restarts it. The blueprint's
// memsize is written only after every instance is resized successfully, so
// a crash mid-resize cannot leave the blueprint claiming a capacity no
// instance actually has.
func (c *Controller) resize(ctx context.Context, t *task.Task, groupID string, bp *types.Blueprint, memSizeMiB int) error {
	alloc := c.sense.Current().Allocations[groupID]
	if alloc == nil {
		return herderr.New(herderr.InvariantViolation, "group.resize", fmt.Errorf("no allocation for group %s", groupID))
	}

	giB := fmt.Sprintf("%.2f", float64(memSizeMiB)/1024.0)
	for _, instance := range instancesOf(bp) {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		gw, err := c.dial(host)
		if err != nil {
			return err
		}
		id := containerID(groupID, instance)
		if _, err := gw.Exec(ctx, id, []string{"set_config", "SLAB_ALLOC_ARENA", giB}); err != nil {
			return herderr.Wrap(herderr.ExternalFailure, "group.resize", fmt.Errorf("resize instance %d: %w", instance, err))
		}
		if err := gw.Restart(ctx, id, 10*time.Second); err != nil {
			return err
		}
	}

	if err := c.kv.Put(ctx, fmt.Sprintf("tarantool/%s/blueprint/memsize", groupID), fmt.Sprint(memSizeMiB)); err != nil {
		return err
	}
	logf(t, "resized to %d MiB", memSizeMiB)
	return nil
}

// setPassword changes every instance's user password live, via the same
// in-container script mechanism resize uses for the memory arena. bp's
// in-memory Password is updated too, though the KV schema has no password key so
// nothing persists it — a later Healer-driven recreation cannot recover it
// from here, only HealSelf's survivor-read path can.
func (c *Controller) setPassword(ctx context.Context, t *task.Task, groupID string, bp *types.Blueprint, password string) error {
	alloc := c.sense.Current().Allocations[groupID]
	if alloc == nil {
		return herderr.New(herderr.InvariantViolation, "group.setPassword", fmt.Errorf("no allocation for group %s", groupID))
	}

	bp.Password = password
	for _, instance := range instancesOf(bp) {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		gw, err := c.dial(host)
		if err != nil {
			return err
		}
		id := containerID(groupID, instance)
		if _, err := gw.Exec(ctx, id, []string{"set_config", "TARANTOOL_USER_PASSWORD", password}); err != nil {
			return herderr.Wrap(herderr.ExternalFailure, "group.setPassword", fmt.Errorf("set password on instance %d: %w", instance, err))
		}
	}
	logf(t, "password updated")
	return nil
}

// upgrade recreates every instance with the new image, retaining its data
// and config mounts, then re-registers it.
func (c *Controller) upgrade(ctx context.Context, t *task.Task, groupID string, bp *types.Blueprint, image string) error {
	alloc := c.sense.Current().Allocations[groupID]
	if alloc == nil {
		return herderr.New(herderr.InvariantViolation, "group.upgrade", fmt.Errorf("no allocation for group %s", groupID))
	}
	bp.Image = image
	for _, instance := range instancesOf(bp) {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		if err := c.DeleteContainer(ctx, groupID, instance, host); err != nil {
			return err
		}
		if err := c.RunInstance(ctx, groupID, bp, alloc, instance); err != nil {
			return err
		}
		if err := c.RegisterInstance(ctx, groupID, bp, alloc, instance); err != nil {
			return err
		}
	}
	logf(t, "upgraded")
	return nil
}

// instancesOf sorts a blueprint's instance numbers ascending.
func instancesOf(bp *types.Blueprint) []int {
	nums := make([]int, 0, len(bp.Instances))
	for n := range bp.Instances {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}
