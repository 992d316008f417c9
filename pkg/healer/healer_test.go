package healer

import (
	"context"
	"testing"

	"github.com/cuemby/herd/pkg/sense"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op       string
	group    string
	instance int
	host     string
}

type fakeGroup struct {
	calls        []call
	allocateFn   func(groupID string, bp *types.Blueprint) (*types.Allocation, error)
	allocateInst func(groupID string, instance int) (string, error)
}

func (f *fakeGroup) Allocate(ctx context.Context, groupID string, bp *types.Blueprint) (*types.Allocation, error) {
	f.calls = append(f.calls, call{op: "allocate", group: groupID})
	if f.allocateFn != nil {
		return f.allocateFn(groupID, bp)
	}
	instances := make(map[int]string)
	for i := range bp.Instances {
		instances[i] = "host-a"
	}
	return &types.Allocation{GroupID: groupID, Instances: instances}, nil
}

func (f *fakeGroup) AllocateInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) (string, error) {
	f.calls = append(f.calls, call{op: "allocate_instance", group: groupID, instance: instance})
	if f.allocateInst != nil {
		return f.allocateInst(groupID, instance)
	}
	return "host-b", nil
}

func (f *fakeGroup) RunGroup(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation) error {
	f.calls = append(f.calls, call{op: "run_group", group: groupID})
	return nil
}

func (f *fakeGroup) RunInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) error {
	f.calls = append(f.calls, call{op: "run_instance", group: groupID, instance: instance})
	return nil
}

func (f *fakeGroup) DeleteContainer(ctx context.Context, groupID string, instance int, host string) error {
	f.calls = append(f.calls, call{op: "delete_container", group: groupID, instance: instance, host: host})
	return nil
}

func (f *fakeGroup) RegisterInstance(ctx context.Context, groupID string, bp *types.Blueprint, alloc *types.Allocation, instance int) error {
	f.calls = append(f.calls, call{op: "register_instance", group: groupID, instance: instance})
	return nil
}

func (f *fakeGroup) UnregisterInstance(ctx context.Context, groupID string, instance int, host string) error {
	f.calls = append(f.calls, call{op: "unregister_instance", group: groupID, instance: instance, host: host})
	return nil
}

func (f *fakeGroup) CatalogDeregister(ctx context.Context, node, serviceID string) error {
	f.calls = append(f.calls, call{op: "catalog_deregister", group: serviceID, host: node})
	return nil
}

func (f *fakeGroup) has(op, group string) bool {
	for _, c := range f.calls {
		if c.op == op && c.group == group {
			return true
		}
	}
	return false
}

type fakeSource struct {
	snapshots []sense.Snapshot
	idx       int
}

func (f *fakeSource) Refresh(ctx context.Context) error { return nil }

func (f *fakeSource) Current() sense.Snapshot {
	if f.idx >= len(f.snapshots) {
		return f.snapshots[len(f.snapshots)-1]
	}
	snap := f.snapshots[f.idx]
	f.idx++
	return snap
}

func blueprint(id string, instances int) *types.Blueprint {
	bp := &types.Blueprint{ID: id, Type: types.GroupMemcached, MemSizeMiB: 64, Instances: make(map[int]types.BlueprintInstance)}
	for i := 1; i <= instances; i++ {
		bp.Instances[i] = types.BlueprintInstance{Num: i, Addr: "10.0.0.1"}
	}
	return bp
}

func TestAllocateNonExistingGroupsFires(t *testing.T) {
	snap := sense.Snapshot{
		Blueprints:    map[string]*types.Blueprint{"g1": blueprint("g1", 2)},
		Allocations:   map[string]*types.Allocation{},
		Registrations: map[string]map[int][]*types.Registration{},
		Emergent:      map[string]map[int]*types.EmergentContainer{},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{snapshots: []sense.Snapshot{snap}})

	fired, err := h.allocateNonExistingGroups(context.Background(), "g1", snap)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, group.has("allocate", "g1"))
	assert.True(t, group.has("run_group", "g1"))
}

func TestRerunMissingInstanceFires(t *testing.T) {
	bp := blueprint("g1", 2)
	snap := sense.Snapshot{
		Blueprints:  map[string]*types.Blueprint{"g1": bp},
		Allocations: map[string]*types.Allocation{"g1": {GroupID: "g1", Instances: map[int]string{1: "host-a", 2: "host-a"}}},
		Emergent:    map[string]map[int]*types.EmergentContainer{"g1": {1: {Host: "host-a"}}},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{})

	fired, err := h.rerunMissingInstance(context.Background(), "g1", snap)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, group.has("run_instance", "g1"))
}

func TestMigrateInstanceToCorrectHostFires(t *testing.T) {
	bp := blueprint("g1", 1)
	snap := sense.Snapshot{
		Blueprints:  map[string]*types.Blueprint{"g1": bp},
		Allocations: map[string]*types.Allocation{"g1": {GroupID: "g1", Instances: map[int]string{1: "host-new"}}},
		Emergent:    map[string]map[int]*types.EmergentContainer{"g1": {1: {Host: "host-old"}}},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{})

	fired, err := h.migrateInstanceToCorrectHost(context.Background(), "g1", snap)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, group.has("delete_container", "g1"))
	assert.True(t, group.has("run_instance", "g1"))
}

func TestCleanupStaleRegistrationsFires(t *testing.T) {
	snap := sense.Snapshot{
		Registrations: map[string]map[int][]*types.Registration{
			"g1": {1: {{GroupID: "g1", Instance: 1, Agent: "host-old"}}},
		},
		Emergent: map[string]map[int]*types.EmergentContainer{
			"g1": {1: {Host: "host-new"}},
		},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{})

	fired, err := h.cleanupStaleRegistrations(context.Background(), snap)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.True(t, group.has("unregister_instance", "g1"))
}

func TestCleanupStaleRegistrationsDuplicateOnTwoAgents(t *testing.T) {
	// The same instance registered on two agents at once: only the entry
	// whose agent differs from the emergent host is removed, the entry on
	// the emergent host survives.
	snap := sense.Snapshot{
		Registrations: map[string]map[int][]*types.Registration{
			"g1": {1: {
				{GroupID: "g1", Instance: 1, Agent: "host-new"},
				{GroupID: "g1", Instance: 1, Agent: "host-old"},
			}},
		},
		Emergent: map[string]map[int]*types.EmergentContainer{
			"g1": {1: {Host: "host-new"}},
		},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{})

	fired, err := h.cleanupStaleRegistrations(context.Background(), snap)
	require.NoError(t, err)
	assert.True(t, fired)
	require.Len(t, group.calls, 1)
	assert.Equal(t, call{op: "unregister_instance", group: "g1", instance: 1, host: "host-old"}, group.calls[0])

	// A second pass over the healed state (one registration, on the emergent
	// host) is a no-op.
	snap.Registrations["g1"][1] = snap.Registrations["g1"][1][:1]
	group.calls = nil
	fired, err = h.cleanupStaleRegistrations(context.Background(), snap)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, group.calls)
}

func TestCleanupStaleRegistrationsCatalogAbsentHost(t *testing.T) {
	snap := sense.Snapshot{
		Registrations: map[string]map[int][]*types.Registration{
			"g1": {1: {{GroupID: "g1", Instance: 1, Agent: "10.0.0.9", Node: "gone-node"}}},
		},
		ConsulHosts: []*types.HostRecord{
			{Address: "10.0.0.1"},
			{Address: "10.0.0.2"},
		},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{})

	fired, err := h.cleanupStaleRegistrations(context.Background(), snap)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, call{op: "catalog_deregister", group: "g1_1", host: "gone-node"}, group.calls[0])
}

func TestCleanupStaleRegistrationsEmptyCatalogDoesNotFire(t *testing.T) {
	// With no catalog view at all (e.g. a failed CatalogNodes read) the rule
	// must not treat every agent as absent.
	snap := sense.Snapshot{
		Registrations: map[string]map[int][]*types.Registration{
			"g1": {1: {{GroupID: "g1", Instance: 1, Agent: "10.0.0.9", Node: "node-a"}}},
		},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{})

	fired, err := h.cleanupStaleRegistrations(context.Background(), snap)
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestHealReachesFixedPointWhenNothingToDo(t *testing.T) {
	snap := sense.Snapshot{
		Blueprints:    map[string]*types.Blueprint{},
		Allocations:   map[string]*types.Allocation{},
		Registrations: map[string]map[int][]*types.Registration{},
		Emergent:      map[string]map[int]*types.EmergentContainer{},
	}
	group := &fakeGroup{}
	h := New(nil, group, &fakeSource{snapshots: []sense.Snapshot{snap}})

	err := h.Heal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, group.calls)
}
