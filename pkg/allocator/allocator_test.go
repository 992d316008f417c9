package allocator

import (
	"testing"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func host(addr string, memMiB int64, tags ...string) *types.HostRecord {
	if len(tags) == 0 {
		tags = []string{"im"}
	}
	return &types.HostRecord{Address: addr, MemoryMiB: memMiB, Tags: tags, Status: types.StatusPassing}
}

func TestAllocatePicksHighestFreeMem(t *testing.T) {
	a := New()
	snap := Snapshot{
		Hosts: []*types.HostRecord{
			host("h1", 1000),
			host("h2", 2000),
		},
	}
	got, err := a.Allocate(snap, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, "h2", got)
}

func TestAllocateRespectsAntiAffinity(t *testing.T) {
	a := New()
	snap := Snapshot{
		Hosts: []*types.HostRecord{
			host("h1", 2000),
			host("h2", 2000),
		},
	}
	got, err := a.Allocate(snap, 500, []string{"h2"})
	require.NoError(t, err)
	assert.Equal(t, "h1", got)
}

func TestAllocateExcludesUntaggedAndCritical(t *testing.T) {
	a := New()
	snap := Snapshot{
		Hosts: []*types.HostRecord{
			host("h1", 5000, "other"),
			{Address: "h2", MemoryMiB: 5000, Tags: []string{"im"}, Status: types.StatusCritical},
			host("h3", 1000),
		},
	}
	got, err := a.Allocate(snap, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, "h3", got)
}

func TestAllocateFallbackWhenNoneSatisfyThreshold(t *testing.T) {
	a := New()
	snap := Snapshot{
		Hosts: []*types.HostRecord{
			host("h1", 100),
			host("h2", 50),
		},
	}
	got, err := a.Allocate(snap, 1000, nil)
	require.NoError(t, err)
	assert.Equal(t, "h1", got) // higher freeMem wins the fallback too
}

func TestAllocateNoHealthyHosts(t *testing.T) {
	a := New()
	_, err := a.Allocate(Snapshot{}, 500, nil)
	assert.True(t, herderr.Is(err, herderr.CapacityExhausted))
}

func TestAllocateAccountsForExistingAllocations(t *testing.T) {
	a := New()
	snap := Snapshot{
		Hosts: []*types.HostRecord{
			host("h1", 1000),
			host("h2", 1000),
		},
		Allocations: []*types.Allocation{
			{GroupID: "g1", Instances: map[int]string{1: "h1"}},
		},
		Blueprints: map[string]*types.Blueprint{
			"g1": {ID: "g1", MemSizeMiB: 900},
		},
	}
	// h1 has only 100 MiB free now, h2 still has 1000 -- h2 should win.
	got, err := a.Allocate(snap, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, "h2", got)
}
