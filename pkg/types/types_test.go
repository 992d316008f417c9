package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineStatusAnyCriticalWins(t *testing.T) {
	assert.Equal(t, StatusCritical, CombineStatus(StatusPassing, StatusCritical, StatusWarning))
}

func TestCombineStatusWarningBeatsPassing(t *testing.T) {
	assert.Equal(t, StatusWarning, CombineStatus(StatusPassing, StatusWarning, StatusPassing))
}

func TestCombineStatusAllPassing(t *testing.T) {
	assert.Equal(t, StatusPassing, CombineStatus(StatusPassing, StatusPassing))
}

func TestCombineStatusEmptyIsPassing(t *testing.T) {
	assert.Equal(t, StatusPassing, CombineStatus())
}

func TestInstanceCount(t *testing.T) {
	assert.Equal(t, 2, GroupMemcached.InstanceCount())
	assert.Equal(t, 2, GroupTarantool.InstanceCount())
	assert.Equal(t, 1, GroupTarantino.InstanceCount())
}

func TestHostRecordHasTag(t *testing.T) {
	h := HostRecord{Tags: []string{"im", "ssd"}}
	assert.True(t, h.HasTag("im"))
	assert.False(t, h.HasTag("gpu"))
}

func TestBlueprintAddrsInInstanceOrder(t *testing.T) {
	bp := &Blueprint{Instances: map[int]BlueprintInstance{
		2: {Num: 2, Addr: "172.20.0.6"},
		1: {Num: 1, Addr: "172.20.0.5"},
	}}
	assert.Equal(t, []string{"172.20.0.5", "172.20.0.6"}, bp.Addrs())
}
