// Package types defines the data model shared by every layer of the
// reconciliation core: the declared blueprint, its derived allocation and
// registration projections, the emergent (observed) state, backups, and
// sensed host records.
package types

import "time"

// GroupType identifies which per-type lifecycle a blueprint follows.
type GroupType string

const (
	GroupMemcached GroupType = "memcached"
	GroupTarantool GroupType = "tarantool"
	GroupTarantino GroupType = "tarantino"
)

// InstanceCount reports how many instances a group of this type has.
func (t GroupType) InstanceCount() int {
	if t == GroupTarantino {
		return 1
	}
	return 2
}

// CheckStatus is the aggregated health of a registration or host, following
// the registry's own three-state vocabulary.
type CheckStatus string

const (
	StatusPassing  CheckStatus = "passing"
	StatusWarning  CheckStatus = "warning"
	StatusCritical CheckStatus = "critical"
)

// CombineStatus folds a set of check statuses into one aggregate: any
// critical wins outright, any warning (with the rest passing) wins next,
// otherwise the result is passing. An empty input is passing.
func CombineStatus(statuses ...CheckStatus) CheckStatus {
	sawWarning := false
	for _, s := range statuses {
		if s == StatusCritical {
			return StatusCritical
		}
		if s == StatusWarning {
			sawWarning = true
		}
	}
	if sawWarning {
		return StatusWarning
	}
	return StatusPassing
}

// BlueprintInstance is one numbered member of a group's declared state.
type BlueprintInstance struct {
	Num  int
	Addr string
}

// Blueprint is the declared intent for a replicated group, keyed by its
// opaque 16-byte hex id.
type Blueprint struct {
	ID           string
	Type         GroupType
	Name         string
	MemSizeMiB   int
	CheckPeriod  time.Duration
	CreationTime time.Time
	Instances    map[int]BlueprintInstance

	// Password is the instance user's password, if one was set. The KV
	// schema has no password key, so it only ever travels as a container
	// environment variable at creation time. A Healer-driven recreation
	// later in the group's life has no KV record to recover it from;
	// HealSelf instead reads it back out of the surviving instance's own
	// running config.
	Password string

	// Image overrides the default image the group type runs, if an upgrade
	// has set one. Like Password, it is not part of the KV schema and is
	// lost across a process restart; the group keeps running whatever image
	// its containers were last created with.
	Image string
}

// Addrs returns the blueprint's instance addresses in instance-number order.
func (b *Blueprint) Addrs() []string {
	addrs := make([]string, 0, len(b.Instances))
	for i := 1; i <= len(b.Instances); i++ {
		if inst, ok := b.Instances[i]; ok {
			addrs = append(addrs, inst.Addr)
		}
	}
	return addrs
}

// Allocation is the chosen host for each instance of a group.
type Allocation struct {
	GroupID   string
	Instances map[int]string // instance num -> host address
}

// Registration is what the discovery layer currently advertises for one
// group instance.
type Registration struct {
	GroupID    string
	Instance   int
	Agent      string // address of the node the service is registered on
	Node       string // catalog node name, used for catalog-level deregistration
	Addr       string
	Port       int
	Status     CheckStatus
	MemUsedMiB int64 // most recent "Memory Utilization" check reading
}

// PrimaryRegistration picks the authoritative entry out of an instance's
// registration list: the one whose agent matches host (the instance's
// allocated or emergent home) when present, otherwise the first. An instance
// can be registered on several agents at once after a migration or a dueling
// re-registration; readers that want one answer go through here, while the
// healer's stale-registration rule sees the whole list.
func PrimaryRegistration(regs []*Registration, host string) *Registration {
	if len(regs) == 0 {
		return nil
	}
	for _, reg := range regs {
		if reg.Agent == host {
			return reg
		}
	}
	return regs[0]
}

// EmergentContainer is one observed, runtime-managed container.
type EmergentContainer struct {
	GroupID     string
	Instance    int
	Host        string
	ContainerID string
	IP          string
	IsRunning   bool
	Image       string
	ImageID     string
}

// Backup records a captured archive of a group's durable state.
type Backup struct {
	ID           string
	GroupID      string
	GroupType    GroupType
	ArchiveDigest string // sha256 hex
	CreationTime time.Time
	SizeBytes    int64
	MemUsedBytes int64
	Storage      string // "filesystem" or "ssh"
}

// HostRecord is a sensed (never stored) view of one runtime host.
type HostRecord struct {
	Address       string
	ConsulAddress string
	Tags          []string
	CPUs          int
	MemoryMiB     int64
	Status        CheckStatus
}

// HasTag reports whether the host carries the named tag.
func (h HostRecord) HasTag(tag string) bool {
	for _, t := range h.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NetworkSettings is the cluster-wide overlay network configuration sensed
// from tarantool_settings/.
type NetworkSettings struct {
	NetworkName string
	Subnet      string // CIDR
}
