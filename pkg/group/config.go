package group

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/task"
	"github.com/cuemby/herd/pkg/types"
)

// deployBaseDir is the in-container directory each update-config call lands
// a freshly timestamped deploy under; old deploys are left in place so the
// heal-self code-copy path can still find the last good one.
const deployBaseDir = "/opt/deploy"

// codeSymlink is the in-container path re-pointed at the active deploy
// directory after every config update.
const codeSymlink = "/opt/tarantool"

// updateConfig extracts cfg (a `.tar.gz`/`.tgz` archive or a single `.lua`
// file) into a freshly timestamped directory under deployBaseDir on every
// instance, re-points codeSymlink at it, and restarts the container.
// Memcached pairs run a fixed frontend with no deployable code tree and
// reject this call with ConfigInvalid.
func (c *Controller) updateConfig(ctx context.Context, t *task.Task, groupID string, bp *types.Blueprint, cfg *ConfigUpdate) error {
	if bp.Type == types.GroupMemcached {
		return herderr.New(herderr.ConfigInvalid, "group.updateConfig", fmt.Errorf("group %s: memcached has no deployable code", groupID))
	}

	payload, err := io.ReadAll(cfg.Data)
	if err != nil {
		return herderr.Wrap(herderr.ExternalFailure, "group.updateConfig", err)
	}
	tarBytes, err := toTar(cfg.Filename, payload)
	if err != nil {
		return err
	}

	alloc := c.sense.Current().Allocations[groupID]
	if alloc == nil {
		return herderr.New(herderr.InvariantViolation, "group.updateConfig", fmt.Errorf("no allocation for group %s", groupID))
	}

	deployDir := fmt.Sprintf("%s/%s", deployBaseDir, time.Now().UTC().Format(time.RFC3339))
	for _, instance := range instancesOf(bp) {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		gw, err := c.dial(host)
		if err != nil {
			return err
		}
		id := containerID(groupID, instance)

		if err := gw.PutArchive(ctx, id, deployDir, bytes.NewReader(tarBytes)); err != nil {
			return herderr.Wrap(herderr.ExternalFailure, "group.updateConfig", fmt.Errorf("deploy to instance %d: %w", instance, err))
		}
		if _, err := gw.Exec(ctx, id, []string{"ln", "-sfn", deployDir, codeSymlink}); err != nil {
			return herderr.Wrap(herderr.ExternalFailure, "group.updateConfig", fmt.Errorf("re-point symlink on instance %d: %w", instance, err))
		}
		if err := gw.Restart(ctx, id, 10*time.Second); err != nil {
			return err
		}
	}
	logf(t, "config deployed to %s", deployDir)
	return nil
}

// toTar normalizes cfg's payload to a raw (uncompressed) tar stream ready
// for PutArchive: a `.tar.gz`/`.tgz` is gunzipped as-is, a single `.lua`
// file is wrapped as a tar containing one entry, "app.lua". Any other
// extension is rejected.
func toTar(filename string, payload []byte) ([]byte, error) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, herderr.Wrap(herderr.ConfigInvalid, "group.toTar", fmt.Errorf("not a valid gzip stream: %w", err))
		}
		defer gz.Close()
		raw, err := io.ReadAll(gz)
		if err != nil {
			return nil, herderr.Wrap(herderr.ConfigInvalid, "group.toTar", fmt.Errorf("decompress config archive: %w", err))
		}
		return raw, nil
	case strings.HasSuffix(lower, ".lua"):
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		hdr := &tar.Header{Name: "app.lua", Mode: 0o644, Size: int64(len(payload))}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, herderr.Wrap(herderr.ExternalFailure, "group.toTar", err)
		}
		if _, err := tw.Write(payload); err != nil {
			return nil, herderr.Wrap(herderr.ExternalFailure, "group.toTar", err)
		}
		if err := tw.Close(); err != nil {
			return nil, herderr.Wrap(herderr.ExternalFailure, "group.toTar", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, herderr.New(herderr.ConfigInvalid, "group.toTar", fmt.Errorf("unsupported config file extension: %q", filename))
	}
}
