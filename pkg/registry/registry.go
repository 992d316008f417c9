// Package registry is the thin adapter over the discovery agent's service
// catalog: register/deregister services and their health checks, read
// aggregated service health, and walk the node catalog. It is the Go client
// counterpart to pkg/kv, both built on the same discovery agent.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/types"
	consulapi "github.com/hashicorp/consul/api"
)

// Check describes one health check attached to a service registration: a
// shell script executed on the agent's node on check_period cadence.
type Check struct {
	ID       string
	Name     string
	Script   string // shell command run on the agent's host
	Interval time.Duration
}

// HealthEntry is one node's aggregated health for a named service.
type HealthEntry struct {
	ID          string // service ID, e.g. "<group>_<instance>"
	Node        string // catalog node name
	NodeAddress string // the node's own address (a runtime host address for "docker" services)
	Address     string
	Port        int
	Tags        []string
	CPUs        int   // from node meta, 0 when unreported
	MemoryMiB   int64 // from node meta, 0 when unreported
	Status      types.CheckStatus
	MemUsedMiB  int64 // parsed from a "Memory Utilization" check's output, if present
}

// NodeEntry is one entry from the catalog's node listing.
type NodeEntry struct {
	Node    string
	Address string
}

// Gateway registers and deregisters services/checks on a chosen agent node
// and reads back health, all against a single discovery-agent endpoint
// (agents are addressed by connecting a client scoped to that node's API).
type Gateway struct {
	dial  func(addr string) (*consulapi.Client, error)
	token string
}

// Config configures a Gateway.
type Config struct {
	ACLToken string
}

// NewGateway builds a Gateway whose per-call Address argument selects which
// agent's HTTP API handles the request.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		token: cfg.ACLToken,
		dial: func(addr string) (*consulapi.Client, error) {
			cc := consulapi.DefaultConfig()
			if addr != "" {
				cc.Address = addr
			}
			cc.Token = cfg.ACLToken
			return consulapi.NewClient(cc)
		},
	}
}

func (g *Gateway) clientFor(addr string) (*consulapi.Client, error) {
	client, err := g.dial(addr)
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "registry.clientFor", err)
	}
	return client, nil
}

// RegisterService registers one (group, instance) service with the agent at
// host, carrying tags and checks.
func (g *Gateway) RegisterService(ctx context.Context, host, serviceName, id, addr string, port int, tags []string, checks []Check) error {
	client, err := g.clientFor(host)
	if err != nil {
		return err
	}

	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    serviceName,
		Address: addr,
		Port:    port,
		Tags:    tags,
	}
	for _, c := range checks {
		reg.Checks = append(reg.Checks, &consulapi.AgentServiceCheck{
			CheckID:  c.ID,
			Name:     c.Name,
			Args:     []string{"/bin/sh", "-c", c.Script},
			Interval: c.Interval.String(),
		})
	}

	if err := client.Agent().ServiceRegisterOpts(reg, consulapi.ServiceRegisterOpts{}.WithContext(ctx)); err != nil {
		return herderr.Wrap(herderr.Transient, "registry.RegisterService", fmt.Errorf("register %s on %s: %w", id, host, err))
	}
	return nil
}

// DeregisterService removes a service registration from the agent at host.
// A not-found response from the agent is treated as success (idempotent).
func (g *Gateway) DeregisterService(ctx context.Context, host, id string) error {
	client, err := g.clientFor(host)
	if err != nil {
		return err
	}
	if err := client.Agent().ServiceDeregisterOpts(id, (&consulapi.QueryOptions{}).WithContext(ctx)); err != nil {
		if strings.Contains(err.Error(), "response code: 404") {
			return nil
		}
		return herderr.Wrap(herderr.Transient, "registry.DeregisterService", fmt.Errorf("deregister %s on %s: %w", id, host, err))
	}
	return nil
}

// DeregisterCheck removes a single check from the agent at host.
func (g *Gateway) DeregisterCheck(ctx context.Context, host, checkID string) error {
	client, err := g.clientFor(host)
	if err != nil {
		return err
	}
	if err := client.Agent().CheckDeregisterOpts(checkID, (&consulapi.QueryOptions{}).WithContext(ctx)); err != nil {
		return herderr.Wrap(herderr.Transient, "registry.DeregisterCheck", fmt.Errorf("deregister check %s on %s: %w", checkID, host, err))
	}
	return nil
}

// ServiceHealth reads (optionally long-polling) the aggregated health of
// every instance registered under serviceName.
func (g *Gateway) ServiceHealth(ctx context.Context, anyAgentAddr, serviceName string, waitIndex uint64, waitSeconds time.Duration) (uint64, []HealthEntry, error) {
	client, err := g.clientFor(anyAgentAddr)
	if err != nil {
		return waitIndex, nil, err
	}

	opts := (&consulapi.QueryOptions{Token: g.token, WaitIndex: waitIndex, WaitTime: waitSeconds}).WithContext(ctx)
	services, meta, err := client.Health().Service(serviceName, "", false, opts)
	if err != nil {
		return waitIndex, nil, herderr.Wrap(herderr.Transient, "registry.ServiceHealth", fmt.Errorf("service health %s: %w", serviceName, err))
	}

	entries := make([]HealthEntry, 0, len(services))
	for _, svc := range services {
		addr := svc.Service.Address
		if addr == "" {
			addr = svc.Node.Address
		}
		cpus, memMiB := nodeCapacity(svc.Node.Meta)
		entries = append(entries, HealthEntry{
			ID:          svc.Service.ID,
			Node:        svc.Node.Node,
			NodeAddress: svc.Node.Address,
			Address:     addr,
			Port:        svc.Service.Port,
			Tags:        svc.Service.Tags,
			CPUs:        cpus,
			MemoryMiB:   memMiB,
			Status:      aggregateChecks(svc.Checks),
			MemUsedMiB:  memUsedMiB(svc.Checks),
		})
	}
	return meta.LastIndex, entries, nil
}

// nodeCapacity reads the host's cpu and memory capacity out of the node's
// catalog metadata, where the per-host provisioning drops them ("cpus",
// "memory_mib"). Hosts provisioned without the metadata report zero and are
// only ever picked by the allocator's fallback path.
func nodeCapacity(meta map[string]string) (cpus int, memMiB int64) {
	if v, ok := meta["cpus"]; ok {
		cpus, _ = strconv.Atoi(v)
	}
	if v, ok := meta["memory_mib"]; ok {
		memMiB, _ = strconv.ParseInt(v, 10, 64)
	}
	return cpus, memMiB
}

// memUsedMiB extracts the "Memory Utilization" check's reported byte count
// and converts it to MiB. Absent or
// unparseable output yields zero rather than an error, since the check is
// advisory.
func memUsedMiB(checks consulapi.HealthChecks) int64 {
	for _, c := range checks {
		if c.Name != "Memory Utilization" {
			continue
		}
		bytes, err := strconv.ParseInt(c.Output, 10, 64)
		if err != nil {
			return 0
		}
		return bytes / (1024 * 1024)
	}
	return 0
}

// CatalogNodes lists every node the discovery agent's catalog currently
// knows about.
func (g *Gateway) CatalogNodes(ctx context.Context, anyAgentAddr string) ([]NodeEntry, error) {
	client, err := g.clientFor(anyAgentAddr)
	if err != nil {
		return nil, err
	}
	nodes, _, err := client.Catalog().Nodes((&consulapi.QueryOptions{Token: g.token}).WithContext(ctx))
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "registry.CatalogNodes", err)
	}
	entries := make([]NodeEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, NodeEntry{Node: n.Node, Address: n.Address})
	}
	return entries, nil
}

// CatalogDeregister removes a service registration directly through the
// catalog, used when the agent that originally registered it is
// unreachable and a plain ServiceDeregister cannot be delivered.
func (g *Gateway) CatalogDeregister(ctx context.Context, anyAgentAddr, node, serviceID string) error {
	client, err := g.clientFor(anyAgentAddr)
	if err != nil {
		return err
	}
	dereg := &consulapi.CatalogDeregistration{Node: node, ServiceID: serviceID}
	if _, err := client.Catalog().Deregister(dereg, (&consulapi.WriteOptions{Token: g.token}).WithContext(ctx)); err != nil {
		return herderr.Wrap(herderr.Transient, "registry.CatalogDeregister", fmt.Errorf("catalog deregister %s/%s: %w", node, serviceID, err))
	}
	return nil
}

// aggregateChecks folds a service's check list down to one status via the
// shared types.CombineStatus rule.
func aggregateChecks(checks consulapi.HealthChecks) types.CheckStatus {
	statuses := make([]types.CheckStatus, 0, len(checks))
	for _, c := range checks {
		switch c.Status {
		case consulapi.HealthCritical:
			statuses = append(statuses, types.StatusCritical)
		case consulapi.HealthWarning:
			statuses = append(statuses, types.StatusWarning)
		default:
			statuses = append(statuses, types.StatusPassing)
		}
	}
	return types.CombineStatus(statuses...)
}
