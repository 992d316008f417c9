package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "herd.yaml")
	writeFile(t, path, "consul_host: consul.internal\nipalloc_range: 10.0.0.0/16\n")

	t.Setenv("CONSUL_HOST", "consul.override")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "consul.override", cfg.ConsulHost, "env must win over file")
	assert.Equal(t, "10.0.0.0/16", cfg.IPAllocRange)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	// CONSUL_HOST has no default and Validate requires it.
	t.Setenv("CONSUL_HOST", "consul.internal")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.0/16", cfg.IPAllocRange)
	assert.Equal(t, "filesystem", cfg.BackupStorageType)
}

func TestValidateRejectsMissingSubnet(t *testing.T) {
	cfg := Default()
	cfg.IPAllocRange = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, herderr.ErrConfigInvalid))
}

func TestValidateRejectsUnknownBackupStorageType(t *testing.T) {
	cfg := Default()
	cfg.BackupStorageType = "s3"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, herderr.ConfigInvalid, herderr.KindOf(err))
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
