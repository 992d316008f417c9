package sense

import (
	"testing"

	"github.com/cuemby/herd/pkg/kv"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlueprints(t *testing.T) {
	entries := []kv.Entry{
		{Key: "tarantool/abc123/blueprint/type", Value: "memcached"},
		{Key: "tarantool/abc123/blueprint/name", Value: "sessions"},
		{Key: "tarantool/abc123/blueprint/memsize", Value: "512"},
		{Key: "tarantool/abc123/blueprint/check_period", Value: "10"},
		{Key: "tarantool/abc123/blueprint/instances/1/addr", Value: "172.20.0.5"},
		{Key: "tarantool/abc123/blueprint/instances/2/addr", Value: "172.20.0.6"},
	}

	groups := parseBlueprints(entries)
	require.Contains(t, groups, "abc123")
	bp := groups["abc123"]
	assert.Equal(t, types.GroupMemcached, bp.Type)
	assert.Equal(t, "sessions", bp.Name)
	assert.Equal(t, 512, bp.MemSizeMiB)
	assert.Equal(t, []string{"172.20.0.5", "172.20.0.6"}, bp.Addrs())
}

func TestParseAllocations(t *testing.T) {
	entries := []kv.Entry{
		{Key: "tarantool/abc123/allocation/instances/1/host", Value: "10.0.0.1"},
		{Key: "tarantool/abc123/allocation/instances/2/host", Value: "10.0.0.2"},
	}

	allocations := parseAllocations(entries)
	require.Contains(t, allocations, "abc123")
	assert.Equal(t, "10.0.0.1", allocations["abc123"].Instances[1])
	assert.Equal(t, "10.0.0.2", allocations["abc123"].Instances[2])
}

func TestParseBackups(t *testing.T) {
	entries := []kv.Entry{
		{Key: "tarantool_backups/bk1/type", Value: "memcached"},
		{Key: "tarantool_backups/bk1/group_id", Value: "abc123"},
		{Key: "tarantool_backups/bk1/archive_id", Value: "deadbeef"},
		{Key: "tarantool_backups/bk1/storage", Value: "filesystem"},
		{Key: "tarantool_backups/bk1/size", Value: "1024"},
		{Key: "tarantool_backups/bk1/mem_used", Value: "2048"},
	}

	backups := parseBackups(entries)
	require.Contains(t, backups, "bk1")
	b := backups["bk1"]
	assert.Equal(t, types.GroupMemcached, b.GroupType)
	assert.Equal(t, "abc123", b.GroupID)
	assert.Equal(t, "deadbeef", b.ArchiveDigest)
	assert.Equal(t, int64(1024), b.SizeBytes)
	assert.Equal(t, int64(2048), b.MemUsedBytes)
}

func TestParseNetworkSettingsFallsBackToDefault(t *testing.T) {
	def := types.NetworkSettings{NetworkName: "herd0", Subnet: "172.20.0.0/16"}
	result := parseNetworkSettings(nil, def)
	assert.Equal(t, def, result)
}

func TestParseNetworkSettingsOverridesDefault(t *testing.T) {
	def := types.NetworkSettings{NetworkName: "herd0", Subnet: "172.20.0.0/16"}
	entries := []kv.Entry{
		{Key: "tarantool_settings/network_name", Value: "custom0"},
		{Key: "tarantool_settings/subnet", Value: "10.1.0.0/16"},
	}
	result := parseNetworkSettings(entries, def)
	assert.Equal(t, "custom0", result.NetworkName)
	assert.Equal(t, "10.1.0.0/16", result.Subnet)
}

func TestSplitServiceID(t *testing.T) {
	group, instance, ok := splitServiceID("abc123_2")
	require.True(t, ok)
	assert.Equal(t, "abc123", group)
	assert.Equal(t, 2, instance)

	_, _, ok = splitServiceID("no-underscore")
	assert.False(t, ok)
}
