package group

import (
	"testing"

	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestContainerID(t *testing.T) {
	assert.Equal(t, "abc123_2", containerID("abc123", 2))
}

func TestInstancesOfSortsAscending(t *testing.T) {
	bp := &types.Blueprint{Instances: map[int]types.BlueprintInstance{
		2: {Num: 2, Addr: "10.0.0.2"},
		1: {Num: 1, Addr: "10.0.0.1"},
	}}
	assert.Equal(t, []int{1, 2}, instancesOf(bp))
}

func TestInstancesOfSingleInstance(t *testing.T) {
	bp := &types.Blueprint{Instances: map[int]types.BlueprintInstance{
		1: {Num: 1, Addr: "10.0.0.1"},
	}}
	assert.Equal(t, []int{1}, instancesOf(bp))
}

func TestImageForDefaultsByType(t *testing.T) {
	assert.Equal(t, memcachedImage, imageFor(&types.Blueprint{Type: types.GroupMemcached}))
	assert.Equal(t, tarantoolImage, imageFor(&types.Blueprint{Type: types.GroupTarantool}))
	assert.Equal(t, tarantoolImage, imageFor(&types.Blueprint{Type: types.GroupTarantino}))
}

func TestImageForPrefersBlueprintOverride(t *testing.T) {
	bp := &types.Blueprint{Type: types.GroupMemcached, Image: "memcached:1.6-alpine"}
	assert.Equal(t, "memcached:1.6-alpine", imageFor(bp))
}

func TestCommandForRunsAppLua(t *testing.T) {
	got := commandFor(&types.Blueprint{Type: types.GroupTarantool})
	assert.Equal(t, []string{"tarantool", "/var/lib/tarantool/app.lua"}, got)
}

func TestMountsForIncludesAppLuaAndMonD(t *testing.T) {
	for _, gt := range []types.GroupType{types.GroupMemcached, types.GroupTarantool, types.GroupTarantino} {
		got := mountsFor(gt)
		assert.Len(t, got, 2)
	}
}

func TestEnvForTarantoolSetsArenaAndPassword(t *testing.T) {
	bp := &types.Blueprint{Type: types.GroupTarantool, MemSizeMiB: 1024, Password: "hunter2"}
	env := envFor(bp, "10.0.0.2:3301")
	assert.Contains(t, env, "TARANTOOL_SLAB_ALLOC_ARENA=1.00")
	assert.Contains(t, env, "TARANTOOL_USER_NAME=tarantool")
	assert.Contains(t, env, "TARANTOOL_USER_PASSWORD=hunter2")
	assert.Contains(t, env, "TARANTOOL_REPLICATION_SOURCE=10.0.0.2:3301")
}

func TestEnvForMemcachedSurfacesPasswordToFrontend(t *testing.T) {
	bp := &types.Blueprint{Type: types.GroupMemcached, MemSizeMiB: 1024, Password: "hunter2"}
	env := envFor(bp, "")
	assert.Equal(t, []string{"TARANTOOL_SLAB_ALLOC_ARENA=1.00", "MEMCACHED_PASSWORD=hunter2"}, env)
}

func TestChecksForPairTypesCarryMemoryAndReplication(t *testing.T) {
	bp := &types.Blueprint{Type: types.GroupTarantool, CheckPeriod: 10e9}
	checks := checksFor(bp, "abc123_1")
	assert.Len(t, checks, 2)
	assert.Equal(t, "Memory Utilization", checks[0].Name)
	assert.Contains(t, checks[0].Script, "tarantool_memory.sh")
	assert.Equal(t, "Replication", checks[1].Name)
	assert.Contains(t, checks[1].Script, "tarantool_replication.sh")
}

func TestChecksForSingleInstanceTypeSkipsReplication(t *testing.T) {
	bp := &types.Blueprint{Type: types.GroupTarantino, CheckPeriod: 10e9}
	checks := checksFor(bp, "abc123_1")
	assert.Len(t, checks, 1)
	assert.Equal(t, "Memory Utilization", checks[0].Name)
}

func TestEnvForNoPasswordOmitsPasswordVars(t *testing.T) {
	bp := &types.Blueprint{Type: types.GroupTarantool, MemSizeMiB: 512}
	env := envFor(bp, "")
	assert.Equal(t, []string{"TARANTOOL_SLAB_ALLOC_ARENA=0.50"}, env)
}
