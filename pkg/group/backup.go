package group

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/task"
	"github.com/cuemby/herd/pkg/types"
	"github.com/google/uuid"
)

// backupInstance is the instance a group's backup/restore always targets:
// the first (and, for a tarantino group, only) instance.
const backupInstance = 1

// backupDataPath is the in-container path archived and restored.
const backupDataPath = "/var/lib/tarantool"

// requiredBackupFiles picks, from a data-directory listing, the minimal file
// set a consistent replay needs: the newest snapshot, the latest xlog whose
// id does not exceed that snapshot's id (the log covering it), and every
// xlog after it.
func requiredBackupFiles(names []string) []string {
	var snapIDs, xlogIDs []int64
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".snap"):
			if id, err := strconv.ParseInt(strings.TrimSuffix(name, ".snap"), 10, 64); err == nil {
				snapIDs = append(snapIDs, id)
			}
		case strings.HasSuffix(name, ".xlog"):
			if id, err := strconv.ParseInt(strings.TrimSuffix(name, ".xlog"), 10, 64); err == nil {
				xlogIDs = append(xlogIDs, id)
			}
		}
	}
	if len(snapIDs) == 0 {
		return nil
	}
	sort.Slice(snapIDs, func(i, j int) bool { return snapIDs[i] < snapIDs[j] })
	sort.Slice(xlogIDs, func(i, j int) bool { return xlogIDs[i] < xlogIDs[j] })
	newestSnap := snapIDs[len(snapIDs)-1]

	required := []string{fmt.Sprintf("%020d.snap", newestSnap)}
	coveringFound := false
	for i := len(xlogIDs) - 1; i >= 0; i-- {
		id := xlogIDs[i]
		switch {
		case id > newestSnap:
			required = append(required, fmt.Sprintf("%020d.xlog", id))
		case !coveringFound:
			required = append(required, fmt.Sprintf("%020d.xlog", id))
			coveringFound = true
		}
	}
	sort.Strings(required[1:])
	return required
}

// BackupStore captures and returns archive byte streams, addressed by their
// own sha256 content digest so identical archives dedupe automatically.
type BackupStore interface {
	// Name is the backend name recorded in the backup's KV entry.
	Name() string
	PutArchive(r io.Reader) (digest string, size int64, err error)
	GetArchive(digest string) (io.ReadCloser, error)
	DeleteArchive(digest string) error
}

// FilesystemBackupStore stores gzip-compressed archives as files named by
// their digest in a base directory.
type FilesystemBackupStore struct {
	baseDir string
}

// NewFilesystemBackupStore builds a store rooted at baseDir, which must
// already exist.
func NewFilesystemBackupStore(baseDir string) (*FilesystemBackupStore, error) {
	if _, err := os.Stat(baseDir); err != nil {
		return nil, herderr.Wrap(herderr.ConfigInvalid, "group.NewFilesystemBackupStore", fmt.Errorf("base_dir %q: %w", baseDir, err))
	}
	return &FilesystemBackupStore{baseDir: baseDir}, nil
}

// Name identifies the backend in backup KV records.
func (s *FilesystemBackupStore) Name() string { return "filesystem" }

// writeDeterministicGzip compresses r into path with the gzip header's mtime
// pinned to the epoch and the filename field left empty, so identical input
// bytes always produce an identical compressed file (and therefore digest).
func writeDeterministicGzip(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz, _ := gzip.NewWriterLevel(f, gzip.DefaultCompression)
	gz.ModTime = time.Unix(0, 0)
	_, copyErr := io.Copy(gz, r)
	closeErr := gz.Close()
	fileErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	return fileErr
}

// sha256OfFile hashes path's content, returning the hex digest and byte size.
func sha256OfFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// PutArchive gzips r (mtime pinned to the epoch so identical input produces
// an identical digest), then renames the result to its sha256 hex digest.
func (s *FilesystemBackupStore) PutArchive(r io.Reader) (string, int64, error) {
	tmpPath := filepath.Join(s.baseDir, uuid.New().String()+"_pending.tar.gz")
	if err := writeDeterministicGzip(tmpPath, r); err != nil {
		os.Remove(tmpPath)
		return "", 0, herderr.Wrap(herderr.ExternalFailure, "backupstore.PutArchive", err)
	}

	digest, size, err := sha256OfFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, herderr.Wrap(herderr.ExternalFailure, "backupstore.PutArchive", err)
	}
	finalPath := filepath.Join(s.baseDir, digest+".tar.gz")
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", 0, herderr.Wrap(herderr.ExternalFailure, "backupstore.PutArchive", err)
	}
	return digest, size, nil
}

// GetArchive opens and gzip-decompresses the archive named by digest.
func (s *FilesystemBackupStore) GetArchive(digest string) (io.ReadCloser, error) {
	path := filepath.Join(s.baseDir, digest+".tar.gz")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, herderr.New(herderr.NotFound, "backupstore.GetArchive", fmt.Errorf("archive %s not found", digest))
		}
		return nil, herderr.Wrap(herderr.ExternalFailure, "backupstore.GetArchive", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, herderr.Wrap(herderr.ExternalFailure, "backupstore.GetArchive", err)
	}
	return &gzipFileReader{gz: gz, f: f}, nil
}

// DeleteArchive removes digest's file; a missing file is a no-op.
func (s *FilesystemBackupStore) DeleteArchive(digest string) error {
	err := os.Remove(filepath.Join(s.baseDir, digest+".tar.gz"))
	if err != nil && !os.IsNotExist(err) {
		return herderr.Wrap(herderr.ExternalFailure, "backupstore.DeleteArchive", err)
	}
	return nil
}

type gzipFileReader struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFileReader) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFileReader) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// Backup captures the archived data directory of groupID's first instance.
// Memcached pairs hold cache data only and reject this call with
// ConfigInvalid.
func (c *Controller) Backup(ctx context.Context, t *task.Task, groupID string) (*types.Backup, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BackupDuration)

	if c.backups == nil {
		return nil, herderr.New(herderr.ConfigInvalid, "group.Backup", fmt.Errorf("no backup storage configured"))
	}

	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return nil, herderr.New(herderr.NotFound, "group.Backup", fmt.Errorf("group %s not found", groupID))
	}
	if bp.Type == types.GroupMemcached {
		return nil, herderr.New(herderr.ConfigInvalid, "group.Backup", fmt.Errorf("group %s: memcached holds no durable state", groupID))
	}

	alloc, ok := snap.Allocations[groupID]
	if !ok {
		return nil, herderr.New(herderr.InvariantViolation, "group.Backup", fmt.Errorf("no allocation for group %s", groupID))
	}
	host, ok := alloc.Instances[backupInstance]
	if !ok {
		return nil, herderr.New(herderr.InvariantViolation, "group.Backup", fmt.Errorf("group %s: instance %d not allocated", groupID, backupInstance))
	}

	gw, err := c.dial(host)
	if err != nil {
		return nil, err
	}
	id := containerID(groupID, backupInstance)

	listing, err := gw.Exec(ctx, id, []string{"/bin/sh", "-c", "ls " + backupDataPath})
	if err != nil {
		return nil, err
	}
	if listing.ExitCode != 0 {
		return nil, herderr.New(herderr.ExternalFailure, "group.Backup", fmt.Errorf("list %s: exit %d", backupDataPath, listing.ExitCode))
	}
	required := requiredBackupFiles(strings.Fields(listing.Stdout))
	if len(required) == 0 {
		return nil, herderr.New(herderr.ExternalFailure, "group.Backup", fmt.Errorf("group %s: no snapshot in %s", groupID, backupDataPath))
	}

	// Stage the archive tree in-container: hard-linked data files (cheap,
	// consistent against a concurrent snapshot rotation), a copy of the
	// deployed code history, and the current code symlink preserved as a
	// link so restore can re-point it to the archived target.
	stage := fmt.Sprintf("/tmp/backup_%s", time.Now().UTC().Format("20060102T150405"))
	links := make([]string, 0, len(required))
	for _, f := range required {
		links = append(links, fmt.Sprintf("ln %s/%s %s/data/", backupDataPath, f, stage))
	}
	script := strings.Join(append([]string{
		fmt.Sprintf("mkdir -p %s/data", stage),
	}, append(links,
		fmt.Sprintf("cp -a %s %s/code", deployBaseDir, stage),
		fmt.Sprintf("cp -P %s %s/current", codeSymlink, stage),
	)...), " && ")
	if res, err := gw.Exec(ctx, id, []string{"/bin/sh", "-c", script}); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return nil, herderr.New(herderr.ExternalFailure, "group.Backup", fmt.Errorf("stage backup: exit %d", res.ExitCode))
	}

	stream, _, err := gw.GetArchive(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	digest, size, err := c.backups.PutArchive(stream)
	stream.Close()
	if _, cleanupErr := gw.Exec(ctx, id, []string{"/bin/sh", "-c", "rm -rf " + stage}); cleanupErr != nil {
		c.logger.Warn().Err(cleanupErr).Str("group_id", groupID).Msg("backup staging cleanup failed")
	}
	if err != nil {
		return nil, err
	}

	var memUsed int64
	if byGroup, ok := snap.Registrations[groupID]; ok {
		if reg := types.PrimaryRegistration(byGroup[backupInstance], host); reg != nil {
			memUsed = reg.MemUsedMiB * 1024 * 1024
		}
	}

	backup := &types.Backup{
		ID:            strings.ReplaceAll(uuid.New().String(), "-", ""),
		GroupID:       groupID,
		GroupType:     bp.Type,
		ArchiveDigest: digest,
		CreationTime:  time.Now(),
		SizeBytes:     size,
		MemUsedBytes:  memUsed,
		Storage:       c.backups.Name(),
	}
	if err := c.writeBackup(ctx, backup); err != nil {
		return nil, err
	}
	logf(t, "backup %s captured for group %s (digest %s, %d bytes)", backup.ID, groupID, digest, size)
	return backup, nil
}

func (c *Controller) writeBackup(ctx context.Context, b *types.Backup) error {
	prefix := fmt.Sprintf("tarantool_backups/%s", b.ID)
	writes := map[string]string{
		prefix + "/group_id":      b.GroupID,
		prefix + "/type":          string(b.GroupType),
		prefix + "/archive_id":    b.ArchiveDigest,
		prefix + "/creation_time": b.CreationTime.UTC().Format(time.RFC3339),
		prefix + "/storage":       b.Storage,
		prefix + "/size":          strconv.FormatInt(b.SizeBytes, 10),
		prefix + "/mem_used":      strconv.FormatInt(b.MemUsedBytes, 10),
	}
	for key, value := range writes {
		if err := c.kv.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Restore replays backupID's archive onto every instance of groupID,
// restarting each afterward. It rejects archives whose recorded mem_used
// exceeds the group's current blueprint memsize.
func (c *Controller) Restore(ctx context.Context, t *task.Task, groupID, backupID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RestoreDuration)

	if c.backups == nil {
		return herderr.New(herderr.ConfigInvalid, "group.Restore", fmt.Errorf("no backup storage configured"))
	}

	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Restore", fmt.Errorf("group %s not found", groupID))
	}
	if bp.Type == types.GroupMemcached {
		return herderr.New(herderr.ConfigInvalid, "group.Restore", fmt.Errorf("group %s: memcached holds no durable state", groupID))
	}
	backup, ok := snap.Backups[backupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.Restore", fmt.Errorf("backup %s not found", backupID))
	}

	memUsedMiB := backup.MemUsedBytes / (1024 * 1024)
	if memUsedMiB > int64(bp.MemSizeMiB) {
		return herderr.New(herderr.ConfigInvalid, "group.Restore", fmt.Errorf("backup %s needs %d MiB, group %s has %d MiB", backupID, memUsedMiB, groupID, bp.MemSizeMiB))
	}

	alloc, ok := snap.Allocations[groupID]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.Restore", fmt.Errorf("no allocation for group %s", groupID))
	}

	instances := instancesOf(bp)
	for _, instance := range instances {
		host, ok := alloc.Instances[instance]
		if !ok {
			continue
		}
		gw, err := c.dial(host)
		if err != nil {
			return err
		}
		archive, err := c.backups.GetArchive(backup.ArchiveDigest)
		if err != nil {
			return err
		}
		id := containerID(groupID, instance)

		stage := "/tmp/restore_" + backup.ID
		putErr := gw.PutArchive(ctx, id, stage, archive)
		archive.Close()
		if putErr != nil {
			return putErr
		}

		// Wipe the live data and code, move the archived tree into place,
		// and re-point the code symlink at the target the archive recorded.
		script := strings.Join([]string{
			fmt.Sprintf("rm -f %s/*.snap %s/*.xlog", backupDataPath, backupDataPath),
			fmt.Sprintf("rm -rf %s/*", deployBaseDir),
			fmt.Sprintf("mv %s/data/* %s/", stage, backupDataPath),
			fmt.Sprintf("cp -a %s/code/. %s/", stage, deployBaseDir),
			fmt.Sprintf(`ln -sfn "$(readlink %s/current)" %s`, stage, codeSymlink),
			fmt.Sprintf("rm -rf %s", stage),
		}, " && ")
		res, err := gw.Exec(ctx, id, []string{"/bin/sh", "-c", script})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return herderr.New(herderr.ExternalFailure, "group.Restore", fmt.Errorf("instance %d: restore script exited %d", instance, res.ExitCode))
		}
		if err := gw.Restart(ctx, id, 10*time.Second); err != nil {
			return err
		}
	}

	c.waitForInstances(ctx, groupID, alloc, instances)
	if len(instances) > 1 {
		c.enableReplicationWithRetry(ctx, groupID, bp, alloc, instances)
	}
	logf(t, "restored backup %s onto group %s", backupID, groupID)
	return nil
}

// HealSelf recovers a two-instance group's missing member from its
// surviving instance: dial the survivor, recreate the dead instance
// pointing at it as replication source, then re-register. It never acts
// when zero instances survive and never touches the survivor itself.
// Single-instance group types have no survivor to recover from and reject
// this call with ConfigInvalid.
func (c *Controller) HealSelf(ctx context.Context, t *task.Task, groupID string) error {
	snap := c.sense.Current()
	bp, ok := snap.Blueprints[groupID]
	if !ok {
		return herderr.New(herderr.NotFound, "group.HealSelf", fmt.Errorf("group %s not found", groupID))
	}
	if bp.Type.InstanceCount() == 1 {
		return herderr.New(herderr.ConfigInvalid, "group.HealSelf", fmt.Errorf("group %s: %s has no replica to heal from", groupID, bp.Type))
	}

	alloc, ok := snap.Allocations[groupID]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.HealSelf", fmt.Errorf("no allocation for group %s", groupID))
	}
	emergent := snap.Emergent[groupID]

	var survivor, missing int
	for _, instance := range instancesOf(bp) {
		if e, ok := emergent[instance]; ok && e.IsRunning {
			survivor = instance
		} else {
			missing = instance
		}
	}
	if survivor == 0 || missing == 0 {
		return herderr.New(herderr.InvariantViolation, "group.HealSelf", fmt.Errorf("group %s: need exactly one survivor and one missing instance", groupID))
	}

	survivorHost, ok := alloc.Instances[survivor]
	if !ok {
		return herderr.New(herderr.InvariantViolation, "group.HealSelf", fmt.Errorf("group %s: survivor %d not allocated", groupID, survivor))
	}
	survivorGW, err := c.dial(survivorHost)
	if err != nil {
		return err
	}
	survivorID := containerID(groupID, survivor)

	// Recover the password from the survivor's running config: it is never
	// persisted anywhere else, and the replacement member must come up with
	// the same credentials or the pair cannot authenticate to each other.
	if res, err := survivorGW.Exec(ctx, survivorID, []string{"cat", "/etc/tarantool/config.yml"}); err == nil && res.ExitCode == 0 {
		if pw := parseConfigPassword(res.Stdout); pw != "" {
			bp.Password = pw
		}
	} else {
		logf(t, "survivor config read failed, healing without password recovery")
	}

	// The survivor's live code: the symlink target to re-point on the new
	// member, and the deploy tree to carry over.
	var codeTarget string
	if res, err := survivorGW.Exec(ctx, survivorID, []string{"readlink", codeSymlink}); err == nil && res.ExitCode == 0 {
		codeTarget = strings.TrimSpace(res.Stdout)
	}
	codeArchive, _, err := survivorGW.GetArchive(ctx, survivorID, deployBaseDir)
	if err != nil {
		return err
	}
	defer codeArchive.Close()

	// Clear the dead slot: registration, and whatever half-dead container
	// still occupies its address on the overlay network.
	if err := c.UnregisterInstance(ctx, groupID, missing, alloc.Instances[missing]); err != nil {
		logf(t, "unregister dead instance %d: %v", missing, err)
	}
	if host, ok := alloc.Instances[missing]; ok {
		if err := c.DeleteContainer(ctx, groupID, missing, host); err != nil {
			logf(t, "remove dead container %d: %v", missing, err)
		}
	}

	// Recreate the missing member replicating from the survivor, then carry
	// the survivor's code over and point the symlink at the same deploy.
	if err := c.createInstance(ctx, groupID, bp, alloc, missing, survivor); err != nil {
		return err
	}
	missingHost := alloc.Instances[missing]
	missingGW, err := c.dial(missingHost)
	if err != nil {
		return err
	}
	missingID := containerID(groupID, missing)
	if err := missingGW.PutArchive(ctx, missingID, deployBaseDir, codeArchive); err != nil {
		return err
	}
	if codeTarget != "" {
		res, err := missingGW.Exec(ctx, missingID, []string{"ln", "-sfn", codeTarget, codeSymlink})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return herderr.New(herderr.ExternalFailure, "group.HealSelf", fmt.Errorf("re-point code symlink: exit %d", res.ExitCode))
		}
		if err := missingGW.Restart(ctx, missingID, 10*time.Second); err != nil {
			return err
		}
	}

	c.waitForInstances(ctx, groupID, alloc, []int{missing})
	c.enableReplicationWithRetry(ctx, groupID, bp, alloc, instancesOf(bp))
	if err := c.RegisterInstance(ctx, groupID, bp, alloc, missing); err != nil {
		return err
	}
	logf(t, "healed instance %d of group %s from survivor %d", missing, groupID, survivor)
	return nil
}

// parseConfigPassword pulls the password value out of a tarantool
// config.yml's flat "key: value" lines.
func parseConfigPassword(configYML string) string {
	for _, line := range strings.Split(configYML, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found || strings.TrimSpace(key) != "password" {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"'`)
	}
	return ""
}
