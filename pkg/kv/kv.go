// Package kv is the thin adapter over the external consistent store described
// by the KV schema (the "tarantool/…" and "tarantool_settings/…" prefixes):
// hierarchical Get/GetRecursive/Put/DeleteRecursive, plus a blocking
// WatchHealth long-poll. The system owns no consensus of its own; it
// piggybacks entirely on the discovery agent's own KV and health endpoints,
// an opaque string tree addressed by a bearer ACL token.
package kv

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	consulapi "github.com/hashicorp/consul/api"
)

// Entry is one key/value pair returned by GetRecursive, ordered by Key.
type Entry struct {
	Key   string
	Value string
}

// HealthEntry is one node's aggregated health as reported by WatchHealth.
type HealthEntry struct {
	Node    string
	Address string
	Status  string
}

// Gateway reads and writes the hierarchical KV tree kept by the discovery
// agent, and long-polls its health index.
type Gateway struct {
	client *consulapi.Client
	token  string
}

// Config configures a Gateway.
type Config struct {
	// Address is the discovery agent's HTTP address, e.g. "127.0.0.1:8500".
	Address string
	// ACLToken is sent as the bearer token on every call.
	ACLToken string
}

// NewGateway builds a Gateway against the discovery agent at cfg.Address.
func NewGateway(cfg Config) (*Gateway, error) {
	cc := consulapi.DefaultConfig()
	if cfg.Address != "" {
		cc.Address = cfg.Address
	}
	cc.Token = cfg.ACLToken

	client, err := consulapi.NewClient(cc)
	if err != nil {
		return nil, herderr.Wrap(herderr.ExternalFailure, "kv.NewGateway", err)
	}
	return &Gateway{client: client, token: cfg.ACLToken}, nil
}

func (g *Gateway) queryOptions(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{Token: g.token}).WithContext(ctx)
}

func (g *Gateway) writeOptions(ctx context.Context) *consulapi.WriteOptions {
	return (&consulapi.WriteOptions{Token: g.token}).WithContext(ctx)
}

// Get reads a single key. ok is false when the key does not exist.
func (g *Gateway) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	pair, _, err := g.client.KV().Get(key, g.queryOptions(ctx))
	if err != nil {
		return "", false, herderr.Wrap(herderr.Transient, "kv.Get", err)
	}
	if pair == nil {
		return "", false, nil
	}
	return string(pair.Value), true, nil
}

// GetRecursive reads every key under prefix, ordered by key. Returns nil
// (not an error) when nothing matches.
func (g *Gateway) GetRecursive(ctx context.Context, prefix string) ([]Entry, error) {
	pairs, _, err := g.client.KV().List(prefix, g.queryOptions(ctx))
	if err != nil {
		return nil, herderr.Wrap(herderr.Transient, "kv.GetRecursive", err)
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		entries = append(entries, Entry{Key: p.Key, Value: string(p.Value)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Put writes a single key, overwriting any existing value.
func (g *Gateway) Put(ctx context.Context, key, value string) error {
	pair := &consulapi.KVPair{Key: key, Value: []byte(value)}
	if _, err := g.client.KV().Put(pair, g.writeOptions(ctx)); err != nil {
		return herderr.Wrap(herderr.Transient, "kv.Put", err)
	}
	return nil
}

// DeleteRecursive removes every key under prefix.
func (g *Gateway) DeleteRecursive(ctx context.Context, prefix string) error {
	if _, err := g.client.KV().DeleteTree(prefix, g.writeOptions(ctx)); err != nil {
		return herderr.Wrap(herderr.Transient, "kv.DeleteRecursive", err)
	}
	return nil
}

// WatchHealth blocks until the discovery agent's health index for service
// advances past waitIndex or waitSeconds elapses, then returns the new index
// and the aggregated per-node entries.
func (g *Gateway) WatchHealth(ctx context.Context, service string, waitIndex uint64, waitSeconds time.Duration) (uint64, []HealthEntry, error) {
	opts := g.queryOptions(ctx)
	opts.WaitIndex = waitIndex
	opts.WaitTime = waitSeconds

	services, meta, err := g.client.Health().Service(service, "", false, opts)
	if err != nil {
		return waitIndex, nil, herderr.Wrap(herderr.Transient, "kv.WatchHealth", fmt.Errorf("watch %s: %w", service, err))
	}

	entries := make([]HealthEntry, 0, len(services))
	for _, svc := range services {
		status := consulapi.HealthPassing
		for _, chk := range svc.Checks {
			if worseStatus(chk.Status, status) {
				status = chk.Status
			}
		}
		entries = append(entries, HealthEntry{
			Node:    svc.Node.Node,
			Address: svc.Service.Address,
			Status:  status,
		})
	}
	return meta.LastIndex, entries, nil
}

// worseStatus reports whether candidate is a worse health status than
// current (critical worse than warning worse than passing).
func worseStatus(candidate, current string) bool {
	rank := map[string]int{
		consulapi.HealthPassing:  0,
		consulapi.HealthWarning:  1,
		consulapi.HealthCritical: 2,
	}
	return rank[candidate] > rank[current]
}
