/*
Package types defines the core data structures shared by every layer of the
reconciliation core.

This package contains the fundamental types representing the orchestrator's
domain model: the declared Blueprint, its derived Allocation and Registration
projections, the observed EmergentContainer state, Backup records, and sensed
HostRecord/NetworkSettings. These types are produced by Sense's four views and
consumed by the Allocator, the Group Controller, and the Healer.

# Architecture

The types package is the foundation of the data model. It defines:

	┌──────────────────── DATA MODEL ───────────────────────────┐
	│                                                            │
	│  Blueprint (declared intent, the KV store's blueprint/     │
	│  subtree)                                                  │
	│    - ID, Type (memcached|tarantool|tarantino), Name        │
	│    - MemSizeMiB, CheckPeriod, CreationTime                 │
	│    - Instances: map[int]BlueprintInstance{Num, Addr}       │
	│    - Password, Image (process-lifetime only, not in KV)    │
	│                         │                                  │
	│                         ▼                                  │
	│  Allocation (chosen placement, allocation/ subtree)        │
	│    - GroupID, Instances: map[int]host                      │
	│                         │                                  │
	│                         ▼                                  │
	│  Registration (discovery-layer projection, sensed)         │
	│    - GroupID, Instance, Agent, Addr, Port                  │
	│    - Status: CheckStatus (passing|warning|critical)        │
	│    - MemUsedMiB (parsed from the memory-utilization check) │
	│                         │                                  │
	│                         ▼                                  │
	│  EmergentContainer (observed runtime state, sensed)        │
	│    - GroupID, Instance, Host, ContainerID, IP              │
	│    - IsRunning, Image, ImageID                              │
	│                                                            │
	│  Backup (captured durable-state archive)                   │
	│    - ID, GroupID, GroupType, ArchiveDigest (sha256)         │
	│    - CreationTime, SizeBytes, MemUsedBytes, Storage         │
	│                                                            │
	│  HostRecord (sensed, never stored)                         │
	│    - Address, ConsulAddress, Tags, CPUs, MemoryMiB, Status  │
	│                                                            │
	│  NetworkSettings (sensed cluster config)                    │
	│    - NetworkName, Subnet                                    │
	└────────────────────────────────────────────────────────────┘

# Core Types

GroupType:
  - memcached, tarantool: two-instance replicated pairs
  - tarantino: single-instance, no replication
  - InstanceCount() returns 1 for tarantino, 2 otherwise — the one place
    the "how many instances does this type have" rule lives, so the Group
    Controller, the Healer, and Sense never duplicate it

CheckStatus:
  - passing, warning, critical — the registry's own three-state vocabulary
  - CombineStatus folds any number of statuses with the rule every
    component that aggregates health must agree on: any critical wins,
    else any warning wins, else passing

Blueprint:
  - The declared, desired state for one group; append-only except for
    MemSizeMiB, Name, and atomic replacement of one instance's Addr
  - Password and Image are intentionally NOT part of the KV-backed fields;
    see their field comments for why (the schema in the KV Gateway's
    schema has no such keys, so a Healer-driven recreation cannot recover
    them; HealSelf reads the password back from a surviving instance's
    config, and the image is not recovered)

Allocation, Registration, EmergentContainer:
  - The three derived views the Healer compares against Blueprint to
    decide which of its eleven ordered rules fires for a given group

Backup:
  - ArchiveDigest is the content-addressed sha256 of the gzip archive;
    identical contents always produce identical digests because the
    archive's gzip header pins mtime to 0

HostRecord:
  - A sensed fact, never written to the KV store; HasTag checks the
    Allocator's required "im" tag filter

# Usage

Building a two-instance blueprint:

	bp := &types.Blueprint{
		ID:          id,
		Type:        types.GroupTarantool,
		Name:        "alice",
		MemSizeMiB:  500,
		CheckPeriod: 10 * time.Second,
		Instances: map[int]types.BlueprintInstance{
			1: {Num: 1, Addr: "172.20.0.4"},
			2: {Num: 2, Addr: "172.20.0.5"},
		},
	}

Aggregating check statuses the same way everywhere:

	overall := types.CombineStatus(probeStatus, agentCheckStatus)

# Integration Points

This package integrates with:

  - pkg/sense: populates these types from the KV Gateway, Registry
    Gateway, and Runtime Gateway on every refresh
  - pkg/allocator: reads Blueprint.MemSizeMiB and HostRecord.HasTag("im")
  - pkg/healer: compares Blueprint/Allocation/Registration/EmergentContainer
    sets per group to decide which rule fires
  - pkg/group: constructs and mutates Blueprint/Allocation/Backup
  - pkg/kv, pkg/registry, pkg/runtime: the gateways that (de)serialize
    these types to and from their respective wire formats

# See Also

  - pkg/sense for how these views are derived and kept consistent
*/
package types
