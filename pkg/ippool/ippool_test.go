package ippool

import (
	"context"
	"testing"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	blueprints []*types.Blueprint
}

func (f *fakeSource) Blueprints() []*types.Blueprint { return f.blueprints }

func TestAllocateSkipsNetworkAndBroadcast(t *testing.T) {
	pool, err := New("10.0.0.0/30", &fakeSource{})
	require.NoError(t, err)

	// /30 has 10.0.0.0 (network), .1, .2, .3 (broadcast) -- only .1 and .2 usable.
	first, err := pool.Allocate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", first)

	second, err := pool.Allocate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", second)

	_, err = pool.Allocate(context.Background(), nil)
	assert.True(t, herderr.Is(err, herderr.CapacityExhausted))
}

func TestAllocateExcludesBlueprintAddrs(t *testing.T) {
	src := &fakeSource{blueprints: []*types.Blueprint{
		{Instances: map[int]types.BlueprintInstance{1: {Num: 1, Addr: "10.0.0.1"}}},
	}}
	pool, err := New("10.0.0.0/30", src)
	require.NoError(t, err)

	addr, err := pool.Allocate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", addr)
}

func TestAllocateInjective(t *testing.T) {
	pool, err := New("10.0.1.0/24", &fakeSource{})
	require.NoError(t, err)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		addr, err := pool.Allocate(context.Background(), nil)
		require.NoError(t, err)
		_, dup := seen[addr]
		assert.False(t, dup, "duplicate address %s", addr)
		seen[addr] = struct{}{}
	}
}

func TestAllocateSkipSet(t *testing.T) {
	pool, err := New("10.0.2.0/30", &fakeSource{})
	require.NoError(t, err)

	addr, err := pool.Allocate(context.Background(), map[string]struct{}{"10.0.2.1": {}})
	require.NoError(t, err)
	assert.Equal(t, "10.0.2.2", addr)
}

func TestReleaseFreesReservation(t *testing.T) {
	pool, err := New("10.0.3.0/30", &fakeSource{})
	require.NoError(t, err)

	addr, err := pool.Allocate(context.Background(), nil)
	require.NoError(t, err)
	pool.Release(addr)

	again, err := pool.Allocate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}
