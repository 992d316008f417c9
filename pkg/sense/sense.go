// Package sense is the Sense component: it turns the discovery agent's raw
// KV tree and service catalog into the four views every other layer reasons
// about — declared blueprints, chosen allocations, advertised registrations,
// and observed (emergent) containers — plus the sensed host inventory and
// network settings those views are built against.
//
// Refresh is cheap and KV/registry-only, run on its own timer. Listing the
// emergent container state requires dialing every runtime host directly, so
// it runs on a second, decoupled probe loop with its own deadline: a slow or
// unreachable host never blocks the KV-derived views from advancing.
package sense

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/herd/pkg/kv"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/registry"
	"github.com/cuemby/herd/pkg/runtime"
	"github.com/cuemby/herd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	refreshInterval = 10 * time.Second
	probeInterval   = 10 * time.Second
	probeDeadline   = 10 * time.Second
)

// RuntimeDialer reaches the containerd daemon fronting hostAddr. Bootstrap
// supplies the concrete transport (local socket, SSH-forwarded socket,
// sidecar proxy); Sense only needs the resulting Gateway.
type RuntimeDialer func(hostAddr string) (*runtime.Gateway, error)

// Snapshot is a point-in-time, read-only view assembled from the latest
// refresh and probe passes.
type Snapshot struct {
	Blueprints  map[string]*types.Blueprint
	Allocations map[string]*types.Allocation
	// Registrations keeps every agent's entry per (group, instance): an
	// instance can be registered on more than one agent at once, and the
	// healer's stale-registration rule needs to see all of them.
	Registrations map[string]map[int][]*types.Registration
	Emergent      map[string]map[int]*types.EmergentContainer
	Backups       map[string]*types.Backup
	Hosts         []*types.HostRecord // runtime hosts, as consumed by the Allocator
	ConsulHosts   []*types.HostRecord
	Network       types.NetworkSettings
	FetchedAt     time.Time
}

// Sense owns the KV and registry gateways and the background loops that keep
// a Snapshot current.
type Sense struct {
	kv    *kv.Gateway
	reg   *registry.Gateway
	dial  RuntimeDialer
	types []types.GroupType

	defaultNetwork             types.NetworkSettings
	createNetworkAutomatically bool

	mu       sync.RWMutex
	snapshot Snapshot

	probeMu     sync.RWMutex
	emergent    map[string]map[int]*types.EmergentContainer
	probeStatus map[string]types.CheckStatus // per runtime host, from the probe loop

	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a Sense over kvGW/regGW, dialing runtime hosts through dial.
// defaultNetwork is the fallback applied when tarantool_settings/ carries no
// override.
func New(kvGW *kv.Gateway, regGW *registry.Gateway, dial RuntimeDialer, defaultNetwork types.NetworkSettings, createNetworkAutomatically bool) *Sense {
	return &Sense{
		kv:                         kvGW,
		reg:                        regGW,
		dial:                       dial,
		types:                      []types.GroupType{types.GroupMemcached, types.GroupTarantool, types.GroupTarantino},
		defaultNetwork:             defaultNetwork,
		createNetworkAutomatically: createNetworkAutomatically,
		emergent:                   make(map[string]map[int]*types.EmergentContainer),
		probeStatus:                make(map[string]types.CheckStatus),
		logger:                     log.WithComponent("sense"),
		stopCh:                     make(chan struct{}),
	}
}

// Start launches the refresh and probe background loops.
func (s *Sense) Start() {
	go s.refreshLoop()
	go s.probeLoop()
}

// Stop signals both background loops to exit.
func (s *Sense) Stop() {
	close(s.stopCh)
}

// Current returns the latest assembled Snapshot.
func (s *Sense) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Blueprints satisfies pkg/ippool's BlueprintSource, letting the IP pool
// treat every address already committed to a blueprint as taken.
func (s *Sense) Blueprints() []*types.Blueprint {
	snap := s.Current()
	out := make([]*types.Blueprint, 0, len(snap.Blueprints))
	for _, bp := range snap.Blueprints {
		out = append(out, bp)
	}
	return out
}

// Allocations returns the latest allocation view, keyed by group id.
func (s *Sense) Allocations() map[string]*types.Allocation {
	return s.Current().Allocations
}

// Services returns the latest registration view, keyed by group id and
// instance number; each instance may carry entries from several agents.
func (s *Sense) Services() map[string]map[int][]*types.Registration {
	return s.Current().Registrations
}

// Containers returns the latest emergent-container view, keyed by group id
// and instance number.
func (s *Sense) Containers() map[string]map[int]*types.EmergentContainer {
	return s.Current().Emergent
}

// DockerHosts returns the sensed runtime hosts.
func (s *Sense) DockerHosts() []*types.HostRecord {
	return s.Current().Hosts
}

// ConsulHosts returns the discovery agent's catalog nodes.
func (s *Sense) ConsulHosts() []*types.HostRecord {
	return s.Current().ConsulHosts
}

// NetworkSettings returns the sensed overlay network configuration.
func (s *Sense) NetworkSettings() types.NetworkSettings {
	return s.Current().Network
}

// Backups returns the latest backup records, keyed by backup id.
func (s *Sense) Backups() map[string]*types.Backup {
	return s.Current().Backups
}

func (s *Sense) refreshLoop() {
	s.refresh(context.Background())
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Refresh performs one KV+registry sensing pass and merges it with the
// latest probe-loop results into a new Snapshot.
func (s *Sense) Refresh(ctx context.Context) error {
	return s.refresh(ctx)
}

func (s *Sense) refresh(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SenseRefreshDuration)

	kvEntries, err := s.kv.GetRecursive(ctx, "tarantool")
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh: kv tree unavailable")
		metrics.RegisterComponent("sense.refresh", false, err.Error())
		return err
	}
	settingsEntries, err := s.kv.GetRecursive(ctx, "tarantool_settings")
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh: settings unavailable")
		metrics.RegisterComponent("sense.refresh", false, err.Error())
		return err
	}
	backupEntries, err := s.kv.GetRecursive(ctx, "tarantool_backups")
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh: backups unavailable")
		metrics.RegisterComponent("sense.refresh", false, err.Error())
		return err
	}

	blueprints := parseBlueprints(kvEntries)
	allocations := parseAllocations(kvEntries)
	backups := parseBackups(backupEntries)
	network := parseNetworkSettings(settingsEntries, s.defaultNetwork)

	registrations := make(map[string]map[int][]*types.Registration)
	var hosts []*types.HostRecord

	for _, gt := range s.types {
		_, entries, err := s.reg.ServiceHealth(ctx, "", string(gt), 0, 0)
		if err != nil {
			s.logger.Warn().Err(err).Str("type", string(gt)).Msg("refresh: service health unavailable")
			continue
		}
		for _, e := range entries {
			group, instance, ok := splitServiceID(e.ID)
			if !ok {
				continue
			}
			if _, ok := registrations[group]; !ok {
				registrations[group] = make(map[int][]*types.Registration)
			}
			registrations[group][instance] = append(registrations[group][instance], &types.Registration{
				GroupID:    group,
				Instance:   instance,
				Agent:      e.NodeAddress,
				Node:       e.Node,
				Addr:       fmt.Sprintf("%s:%d", e.Address, e.Port),
				Port:       e.Port,
				Status:     e.Status,
				MemUsedMiB: e.MemUsedMiB,
			})
		}
	}

	s.probeMu.RLock()
	probeStatus := s.probeStatus
	s.probeMu.RUnlock()

	if _, entries, err := s.reg.ServiceHealth(ctx, "", "docker", 0, 0); err == nil {
		for _, e := range entries {
			status := e.Status
			if probed, ok := probeStatus[e.Address]; ok {
				status = types.CombineStatus(e.Status, probed)
			}
			hosts = append(hosts, &types.HostRecord{
				Address:       e.Address,
				ConsulAddress: e.NodeAddress,
				Tags:          e.Tags,
				CPUs:          e.CPUs,
				MemoryMiB:     e.MemoryMiB,
				Status:        status,
			})
		}
	} else {
		s.logger.Warn().Err(err).Msg("refresh: docker host health unavailable")
	}

	var consulHosts []*types.HostRecord
	if nodes, err := s.reg.CatalogNodes(ctx, ""); err == nil {
		for _, n := range nodes {
			consulHosts = append(consulHosts, &types.HostRecord{
				Address: n.Address,
				Status:  types.StatusPassing,
			})
		}
	} else {
		s.logger.Warn().Err(err).Msg("refresh: catalog nodes unavailable")
	}

	s.probeMu.RLock()
	emergent := s.emergent
	s.probeMu.RUnlock()

	metrics.GroupsTotal.Reset()
	byType := make(map[types.GroupType]int)
	for _, bp := range blueprints {
		byType[bp.Type]++
	}
	for t, n := range byType {
		metrics.GroupsTotal.WithLabelValues(string(t)).Set(float64(n))
	}

	metrics.HostsTotal.Reset()
	byStatus := make(map[types.CheckStatus]int)
	for _, h := range hosts {
		byStatus[h.Status]++
	}
	for st, n := range byStatus {
		metrics.HostsTotal.WithLabelValues(string(st)).Set(float64(n))
	}

	snap := Snapshot{
		Blueprints:    blueprints,
		Allocations:   allocations,
		Registrations: registrations,
		Emergent:      emergent,
		Backups:       backups,
		Hosts:         hosts,
		ConsulHosts:   consulHosts,
		Network:       network,
		FetchedAt:     time.Now(),
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
	metrics.RegisterComponent("sense.refresh", true, "")
	return nil
}

func (s *Sense) probeLoop() {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	s.probe()
	for {
		select {
		case <-ticker.C:
			s.probe()
		case <-s.stopCh:
			return
		}
	}
}

// probe dials every currently-sensed runtime host and lists its managed
// containers, bounded by probeDeadline per host so one unreachable host
// cannot stall the rest.
func (s *Sense) probe() {
	hosts := s.Current().Hosts
	next := make(map[string]map[int]*types.EmergentContainer, len(hosts))
	nextStatus := make(map[string]types.CheckStatus, len(hosts))

	for _, h := range hosts {
		ctx, cancel := context.WithTimeout(context.Background(), probeDeadline)
		containers, err := s.probeHost(ctx, h.Address)
		cancel()
		if err != nil {
			nextStatus[h.Address] = types.StatusCritical
			s.logger.Debug().Err(err).Str("host", h.Address).Msg("probe: host unreachable")
			continue
		}
		nextStatus[h.Address] = types.StatusPassing
		for group, byInstance := range containers {
			if _, ok := next[group]; !ok {
				next[group] = make(map[int]*types.EmergentContainer)
			}
			for instance, c := range byInstance {
				next[group][instance] = c
			}
		}
	}

	s.probeMu.Lock()
	s.emergent = next
	s.probeStatus = nextStatus
	s.probeMu.Unlock()
	metrics.RegisterComponent("sense.probe", true, "")
}

func (s *Sense) probeHost(ctx context.Context, hostAddr string) (map[string]map[int]*types.EmergentContainer, error) {
	gw, err := s.dial(hostAddr)
	if err != nil {
		return nil, err
	}
	if err := gw.Info(ctx); err != nil {
		return nil, err
	}
	containers, err := gw.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]map[int]*types.EmergentContainer)
	for _, c := range containers {
		group, instance, ok := splitServiceID(c.ID)
		if !ok {
			continue
		}
		if _, ok := result[group]; !ok {
			result[group] = make(map[int]*types.EmergentContainer)
		}
		result[group][instance] = &types.EmergentContainer{
			GroupID:     group,
			Instance:    instance,
			Host:        hostAddr,
			ContainerID: c.ID,
			IP:          c.IP,
			IsRunning:   c.IsRunning,
			Image:       c.Image,
			ImageID:     c.ImageID,
		}
	}
	return result, nil
}

// splitServiceID parses the "<group>_<instance>" naming convention shared by
// service registrations and managed container IDs.
func splitServiceID(id string) (group string, instance int, ok bool) {
	m := serviceIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

var serviceIDPattern = regexp.MustCompile(`^(.+)_([0-9]+)$`)

var (
	blueprintTypePattern     = regexp.MustCompile(`^tarantool/([^/]+)/blueprint/type$`)
	blueprintNamePattern     = regexp.MustCompile(`^tarantool/([^/]+)/blueprint/name$`)
	blueprintMemsizePattern  = regexp.MustCompile(`^tarantool/([^/]+)/blueprint/memsize$`)
	blueprintCreatedPattern  = regexp.MustCompile(`^tarantool/([^/]+)/blueprint/creation_time$`)
	blueprintPeriodPattern   = regexp.MustCompile(`^tarantool/([^/]+)/blueprint/check_period$`)
	blueprintInstAddrPattern = regexp.MustCompile(`^tarantool/([^/]+)/blueprint/instances/([0-9]+)/addr$`)
	allocationHostPattern    = regexp.MustCompile(`^tarantool/([^/]+)/allocation/instances/([0-9]+)/host$`)

	backupTypePattern    = regexp.MustCompile(`^tarantool_backups/([^/]+)/type$`)
	backupGroupPattern   = regexp.MustCompile(`^tarantool_backups/([^/]+)/group_id$`)
	backupArchivePattern = regexp.MustCompile(`^tarantool_backups/([^/]+)/archive_id$`)
	backupCreatedPattern = regexp.MustCompile(`^tarantool_backups/([^/]+)/creation_time$`)
	backupStoragePattern = regexp.MustCompile(`^tarantool_backups/([^/]+)/storage$`)
	backupSizePattern    = regexp.MustCompile(`^tarantool_backups/([^/]+)/size$`)
	backupMemUsedPattern = regexp.MustCompile(`^tarantool_backups/([^/]+)/mem_used$`)
)

func parseBlueprints(entries []kv.Entry) map[string]*types.Blueprint {
	groups := make(map[string]*types.Blueprint)
	get := func(id string) *types.Blueprint {
		bp, ok := groups[id]
		if !ok {
			bp = &types.Blueprint{ID: id, Instances: make(map[int]types.BlueprintInstance)}
			groups[id] = bp
		}
		return bp
	}

	for _, e := range entries {
		if m := blueprintTypePattern.FindStringSubmatch(e.Key); m != nil {
			get(m[1]).Type = types.GroupType(e.Value)
		}
	}
	for _, e := range entries {
		switch {
		case blueprintNamePattern.MatchString(e.Key):
			m := blueprintNamePattern.FindStringSubmatch(e.Key)
			get(m[1]).Name = e.Value
		case blueprintMemsizePattern.MatchString(e.Key):
			m := blueprintMemsizePattern.FindStringSubmatch(e.Key)
			if n, err := strconv.Atoi(e.Value); err == nil {
				get(m[1]).MemSizeMiB = n
			}
		case blueprintCreatedPattern.MatchString(e.Key):
			m := blueprintCreatedPattern.FindStringSubmatch(e.Key)
			if ts, err := time.Parse(time.RFC3339, e.Value); err == nil {
				get(m[1]).CreationTime = ts
			}
		case blueprintPeriodPattern.MatchString(e.Key):
			m := blueprintPeriodPattern.FindStringSubmatch(e.Key)
			if n, err := strconv.Atoi(e.Value); err == nil {
				get(m[1]).CheckPeriod = time.Duration(n) * time.Second
			}
		}
	}
	for _, e := range entries {
		m := blueprintInstAddrPattern.FindStringSubmatch(e.Key)
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		get(m[1]).Instances[num] = types.BlueprintInstance{Num: num, Addr: e.Value}
	}
	return groups
}

func parseAllocations(entries []kv.Entry) map[string]*types.Allocation {
	allocations := make(map[string]*types.Allocation)
	for _, e := range entries {
		m := allocationHostPattern.FindStringSubmatch(e.Key)
		if m == nil {
			continue
		}
		group := m[1]
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		alloc, ok := allocations[group]
		if !ok {
			alloc = &types.Allocation{GroupID: group, Instances: make(map[int]string)}
			allocations[group] = alloc
		}
		alloc.Instances[num] = e.Value
	}
	return allocations
}

func parseBackups(entries []kv.Entry) map[string]*types.Backup {
	backups := make(map[string]*types.Backup)
	get := func(id string) *types.Backup {
		b, ok := backups[id]
		if !ok {
			b = &types.Backup{ID: id}
			backups[id] = b
		}
		return b
	}

	for _, e := range entries {
		switch {
		case backupTypePattern.MatchString(e.Key):
			m := backupTypePattern.FindStringSubmatch(e.Key)
			get(m[1]).GroupType = types.GroupType(e.Value)
		case backupGroupPattern.MatchString(e.Key):
			m := backupGroupPattern.FindStringSubmatch(e.Key)
			get(m[1]).GroupID = e.Value
		case backupArchivePattern.MatchString(e.Key):
			m := backupArchivePattern.FindStringSubmatch(e.Key)
			get(m[1]).ArchiveDigest = e.Value
		case backupCreatedPattern.MatchString(e.Key):
			m := backupCreatedPattern.FindStringSubmatch(e.Key)
			if ts, err := time.Parse(time.RFC3339, e.Value); err == nil {
				get(m[1]).CreationTime = ts
			}
		case backupStoragePattern.MatchString(e.Key):
			m := backupStoragePattern.FindStringSubmatch(e.Key)
			get(m[1]).Storage = e.Value
		case backupSizePattern.MatchString(e.Key):
			m := backupSizePattern.FindStringSubmatch(e.Key)
			if n, err := strconv.ParseInt(e.Value, 10, 64); err == nil {
				get(m[1]).SizeBytes = n
			}
		case backupMemUsedPattern.MatchString(e.Key):
			m := backupMemUsedPattern.FindStringSubmatch(e.Key)
			if n, err := strconv.ParseInt(e.Value, 10, 64); err == nil {
				get(m[1]).MemUsedBytes = n
			}
		}
	}
	return backups
}

func parseNetworkSettings(entries []kv.Entry, def types.NetworkSettings) types.NetworkSettings {
	result := def
	for _, e := range entries {
		switch e.Key {
		case "tarantool_settings/network_name":
			if e.Value != "" {
				result.NetworkName = e.Value
			}
		case "tarantool_settings/subnet":
			if e.Value != "" {
				result.Subnet = e.Value
			}
		}
	}
	return result
}
