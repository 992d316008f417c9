// Package config loads the orchestrator's configuration from a YAML file
// with every field overridable by an environment variable of the same
// recognized name, env winning over file.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"

	"github.com/cuemby/herd/pkg/herderr"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized configuration option.
type Config struct {
	ConsulHost     string `yaml:"consul_host"`
	ConsulACLToken string `yaml:"consul_acl_token"`

	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`

	DockerClientCert string `yaml:"docker_client_cert"`
	DockerClientKey  string `yaml:"docker_client_key"`
	DockerServerCert string `yaml:"docker_server_cert"`

	// ContainerdSocket overrides the local containerd socket path the Runtime
	// Gateway dials. The Docker* fields above are recognized for config-surface
	// compatibility but a containerd-backed Runtime Gateway has no use for
	// them; this one is read.
	ContainerdSocket string `yaml:"containerd_socket"`

	HTTPBasicUsername string `yaml:"http_basic_username"`
	HTTPBasicPassword string `yaml:"http_basic_password"`

	IPAllocRange               string `yaml:"ipalloc_range"`
	GatewayIP                  string `yaml:"gateway_ip"`
	DockerNetwork              string `yaml:"docker_network"`
	CreateNetworkAutomatically bool   `yaml:"create_network_automatically"`

	BackupStorageType string `yaml:"backup_storage_type"`
	BackupBaseDir     string `yaml:"backup_base_dir"`
	BackupHost        string `yaml:"backup_host"`
	BackupUser        string `yaml:"backup_user"`
	BackupIdentity    string `yaml:"backup_identity"`

	SSLKeyfile  string `yaml:"ssl_keyfile"`
	SSLCertfile string `yaml:"ssl_certfile"`
}

// envOverrides maps each recognized environment variable to a setter closure
// applied after the YAML file is parsed, so env always wins over file.
func (c *Config) envOverrides() []struct {
	name string
	set  func(string)
} {
	return []struct {
		name string
		set  func(string)
	}{
		{"CONSUL_HOST", func(v string) { c.ConsulHost = v }},
		{"CONSUL_ACL_TOKEN", func(v string) { c.ConsulACLToken = v }},
		{"LISTEN_ADDR", func(v string) { c.ListenAddr = v }},
		{"LISTEN_PORT", func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.ListenPort = n
			}
		}},
		{"DOCKER_CLIENT_CERT", func(v string) { c.DockerClientCert = v }},
		{"DOCKER_CLIENT_KEY", func(v string) { c.DockerClientKey = v }},
		{"DOCKER_SERVER_CERT", func(v string) { c.DockerServerCert = v }},
		{"CONTAINERD_SOCKET", func(v string) { c.ContainerdSocket = v }},
		{"HTTP_BASIC_USERNAME", func(v string) { c.HTTPBasicUsername = v }},
		{"HTTP_BASIC_PASSWORD", func(v string) { c.HTTPBasicPassword = v }},
		{"IPALLOC_RANGE", func(v string) { c.IPAllocRange = v }},
		{"GATEWAY_IP", func(v string) { c.GatewayIP = v }},
		{"DOCKER_NETWORK", func(v string) { c.DockerNetwork = v }},
		{"CREATE_NETWORK_AUTOMATICALLY", func(v string) {
			if b, err := strconv.ParseBool(v); err == nil {
				c.CreateNetworkAutomatically = b
			}
		}},
		{"BACKUP_STORAGE_TYPE", func(v string) { c.BackupStorageType = v }},
		{"BACKUP_BASE_DIR", func(v string) { c.BackupBaseDir = v }},
		{"BACKUP_HOST", func(v string) { c.BackupHost = v }},
		{"BACKUP_USER", func(v string) { c.BackupUser = v }},
		{"BACKUP_IDENTITY", func(v string) { c.BackupIdentity = v }},
		{"SSL_KEYFILE", func(v string) { c.SSLKeyfile = v }},
		{"SSL_CERTFILE", func(v string) { c.SSLCertfile = v }},
	}
}

// Default returns a Config with the built-in defaults applied before any
// file or environment overrides.
func Default() *Config {
	return &Config{
		ListenAddr:                 "0.0.0.0",
		ListenPort:                 8080,
		IPAllocRange:               "172.20.0.0/16",
		DockerNetwork:              "herd0",
		CreateNetworkAutomatically: true,
		BackupStorageType:          "filesystem",
		BackupBaseDir:              "/var/lib/herd/backups",
	}
}

// LoadFile reads path (if non-empty) as YAML into a Config seeded with
// Default, then applies every recognized environment variable on top.
// Unlike Load, it does not validate the result, so a caller that still has
// to apply its own overrides (e.g. the CLI's -H flag) can do so before
// deciding whether the combined configuration is usable.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, herderr.Wrap(herderr.ConfigInvalid, "config.LoadFile", fmt.Errorf("parse yaml: %w", err))
		}
	}

	for _, ov := range cfg.envOverrides() {
		if v, ok := os.LookupEnv(ov.name); ok {
			ov.set(v)
		}
	}
	return cfg, nil
}

// Load reads path the same way LoadFile does, then validates the result.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the recognized options for internal consistency, returning
// a herderr.ConfigInvalid error describing the first problem found.
func (c *Config) Validate() error {
	if c.IPAllocRange == "" {
		return herderr.New(herderr.ConfigInvalid, "config.Validate", fmt.Errorf("IPALLOC_RANGE is required"))
	}
	if _, err := netip.ParsePrefix(c.IPAllocRange); err != nil {
		return herderr.New(herderr.ConfigInvalid, "config.Validate", fmt.Errorf("IPALLOC_RANGE %q is not a valid CIDR: %w", c.IPAllocRange, err))
	}
	switch c.BackupStorageType {
	case "filesystem", "ssh":
	default:
		return herderr.New(herderr.ConfigInvalid, "config.Validate",
			fmt.Errorf("unrecognized BACKUP_STORAGE_TYPE %q", c.BackupStorageType))
	}
	if c.ConsulHost == "" {
		return herderr.New(herderr.ConfigInvalid, "config.Validate", fmt.Errorf("CONSUL_HOST is required"))
	}
	return nil
}
