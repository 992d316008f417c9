package registry

import (
	"testing"

	"github.com/cuemby/herd/pkg/types"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
)

func TestAggregateChecksAnyCriticalWins(t *testing.T) {
	checks := consulapi.HealthChecks{
		{Status: consulapi.HealthPassing},
		{Status: consulapi.HealthCritical},
		{Status: consulapi.HealthWarning},
	}
	assert.Equal(t, types.StatusCritical, aggregateChecks(checks))
}

func TestAggregateChecksWarningWithoutCritical(t *testing.T) {
	checks := consulapi.HealthChecks{
		{Status: consulapi.HealthPassing},
		{Status: consulapi.HealthWarning},
	}
	assert.Equal(t, types.StatusWarning, aggregateChecks(checks))
}

func TestAggregateChecksAllPassing(t *testing.T) {
	checks := consulapi.HealthChecks{
		{Status: consulapi.HealthPassing},
		{Status: consulapi.HealthPassing},
	}
	assert.Equal(t, types.StatusPassing, aggregateChecks(checks))
}

func TestAggregateChecksEmpty(t *testing.T) {
	assert.Equal(t, types.StatusPassing, aggregateChecks(nil))
}

func TestMemUsedMiBParsesCheckOutput(t *testing.T) {
	checks := consulapi.HealthChecks{
		{Name: "Memory Utilization", Output: "104857600"}, // 100 MiB
	}
	assert.Equal(t, int64(100), memUsedMiB(checks))
}

func TestNodeCapacityFromMeta(t *testing.T) {
	cpus, memMiB := nodeCapacity(map[string]string{"cpus": "8", "memory_mib": "32768"})
	assert.Equal(t, 8, cpus)
	assert.Equal(t, int64(32768), memMiB)
}

func TestNodeCapacityMissingMeta(t *testing.T) {
	cpus, memMiB := nodeCapacity(nil)
	assert.Equal(t, 0, cpus)
	assert.Equal(t, int64(0), memMiB)
}

func TestMemUsedMiBMissingCheck(t *testing.T) {
	checks := consulapi.HealthChecks{
		{Name: "Something Else", Output: "garbage"},
	}
	assert.Equal(t, int64(0), memUsedMiB(checks))
}
