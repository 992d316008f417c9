package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/herd/pkg/allocator"
	"github.com/cuemby/herd/pkg/config"
	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/group"
	"github.com/cuemby/herd/pkg/healer"
	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/ippool"
	"github.com/cuemby/herd/pkg/kv"
	"github.com/cuemby/herd/pkg/registry"
	"github.com/cuemby/herd/pkg/runtime"
	"github.com/cuemby/herd/pkg/sense"
	"github.com/cuemby/herd/pkg/task"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

// app bundles every wired component a CLI command needs: the gateways, the
// Sense snapshot source, the Group Controller, the Healer, and the Task
// Registry. Exactly one is built per CLI invocation.
type app struct {
	cfg     *config.Config
	kv      *kv.Gateway
	reg     *registry.Gateway
	sense   *sense.Sense
	group   *group.Controller
	healer  *healer.Healer
	tasks   *task.Registry
	broker  *events.Broker
}

// resolveConfig loads the config file (if --config was given), then applies
// the CLI's own -H/--host and --consul-acl-token overrides — which take
// precedence over both the file and CONSUL_HOST/CONSUL_ACL_TOKEN — and
// finally validates the result. A host resolvable from neither the flag,
// the environment, nor the config file is exactly the "missing -H/CONSUL_HOST"
// condition the CLI must exit on.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.ConsulHost = host
	}
	if token, _ := cmd.Flags().GetString("consul-acl-token"); token != "" {
		cfg.ConsulACLToken = token
	}
	if socket, _ := cmd.Flags().GetString("containerd-socket"); socket != "" {
		cfg.ContainerdSocket = socket
	}

	if err := cfg.Validate(); err != nil {
		if herderr.Is(err, herderr.ConfigInvalid) && cfg.ConsulHost == "" {
			return nil, fmt.Errorf("please specify -H/--host or set CONSUL_HOST")
		}
		return nil, err
	}
	return cfg, nil
}

// buildApp wires every gateway and core component against cfg. It performs
// one blocking Sense refresh before returning so every command starts with
// a current snapshot rather than an empty one.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	kvGW, err := kv.NewGateway(kv.Config{Address: cfg.ConsulHost, ACLToken: cfg.ConsulACLToken})
	if err != nil {
		return nil, err
	}
	regGW := registry.NewGateway(registry.Config{ACLToken: cfg.ConsulACLToken})

	dial := buildDialer(cfg.ContainerdSocket)

	network := types.NetworkSettings{NetworkName: cfg.DockerNetwork, Subnet: cfg.IPAllocRange}

	sns := sense.New(kvGW, regGW, sense.RuntimeDialer(dial), network, cfg.CreateNetworkAutomatically)

	ipPool, err := ippool.New(cfg.IPAllocRange, sns)
	if err != nil {
		return nil, err
	}

	alloc := allocator.New()

	backupStore, err := buildBackupStore(cfg)
	if err != nil {
		return nil, err
	}

	grp := group.New(kvGW, regGW, group.RuntimeDialer(dial), alloc, ipPool, sns, network, backupStore)
	hlr := healer.New(kvGW, grp, sns)
	broker := events.NewBroker()
	tasks := task.NewRegistry(broker)

	sns.Start()
	broker.Start()
	if err := sns.Refresh(ctx); err != nil {
		return nil, err
	}

	return &app{cfg: cfg, kv: kvGW, reg: regGW, sense: sns, group: grp, healer: hlr, tasks: tasks, broker: broker}, nil
}

// buildBackupStore wires the configured backup backend: a local
// content-addressed directory, or a remote one reached over ssh/scp.
func buildBackupStore(cfg *config.Config) (group.BackupStore, error) {
	switch cfg.BackupStorageType {
	case "ssh":
		return group.NewSSHBackupStore(cfg.BackupHost, cfg.BackupUser, cfg.BackupIdentity, cfg.BackupBaseDir)
	case "filesystem":
		if err := os.MkdirAll(cfg.BackupBaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create backup base dir %q: %w", cfg.BackupBaseDir, err)
		}
		return group.NewFilesystemBackupStore(cfg.BackupBaseDir)
	default:
		return nil, nil
	}
}

// buildDialer returns a RuntimeDialer that connects to the same containerd
// socket regardless of which runtime host it is asked to dial. The Runtime
// Gateway's containerd client only ever talks to a local socket (pkg/runtime
// has no remote-dial support), so every host in a cluster is reached through
// whatever fronts that socket on the box this process runs on — a bind mount
// in a single-node dev cluster, or an identical per-host agent in a larger
// one. socketPath empty falls back to runtime.DefaultSocketPath.
func buildDialer(socketPath string) func(hostAddr string) (*runtime.Gateway, error) {
	return func(hostAddr string) (*runtime.Gateway, error) {
		return runtime.NewGateway(socketPath)
	}
}
