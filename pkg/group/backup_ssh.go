package group

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/google/uuid"
)

// SSHBackupStore keeps archives on a remote host reached over ssh/scp with
// an identity file. Compression and digesting happen locally (the same
// deterministic gzip the filesystem store uses), so the remote side needs
// nothing beyond a writable directory and the standard OpenSSH tools.
type SSHBackupStore struct {
	host     string
	user     string
	identity string
	baseDir  string
	workDir  string // local scratch for staging before/after transfer
}

// NewSSHBackupStore builds a store copying archives to baseDir on host as
// user, authenticating with the identity file.
func NewSSHBackupStore(host, user, identity, baseDir string) (*SSHBackupStore, error) {
	if host == "" || user == "" || identity == "" {
		return nil, herderr.New(herderr.ConfigInvalid, "group.NewSSHBackupStore", fmt.Errorf("BACKUP_HOST, BACKUP_USER and BACKUP_IDENTITY are all required for ssh backup storage"))
	}
	if _, err := os.Stat(identity); err != nil {
		return nil, herderr.Wrap(herderr.ConfigInvalid, "group.NewSSHBackupStore", fmt.Errorf("identity file %q: %w", identity, err))
	}
	workDir, err := os.MkdirTemp("", "herd-backup-")
	if err != nil {
		return nil, herderr.Wrap(herderr.ExternalFailure, "group.NewSSHBackupStore", err)
	}
	return &SSHBackupStore{host: host, user: user, identity: identity, baseDir: baseDir, workDir: workDir}, nil
}

// Name identifies the backend in backup KV records.
func (s *SSHBackupStore) Name() string { return "ssh" }

func (s *SSHBackupStore) remotePath(name string) string {
	return fmt.Sprintf("%s@%s:%s", s.user, s.host, filepath.Join(s.baseDir, name))
}

func (s *SSHBackupStore) scp(src, dst string) error {
	cmd := exec.Command("scp", "-q", "-i", s.identity, src, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return herderr.Wrap(herderr.Transient, "backupstore.scp", fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(out))))
	}
	return nil
}

func (s *SSHBackupStore) ssh(remoteCmd string) error {
	cmd := exec.Command("ssh", "-q", "-i", s.identity, fmt.Sprintf("%s@%s", s.user, s.host), remoteCmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return herderr.Wrap(herderr.Transient, "backupstore.ssh", fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(out))))
	}
	return nil
}

// PutArchive compresses r locally with the epoch-pinned gzip header, names
// the result by its sha256 digest, and copies it to the remote base dir.
func (s *SSHBackupStore) PutArchive(r io.Reader) (string, int64, error) {
	tmpPath := filepath.Join(s.workDir, uuid.New().String()+"_pending.tar.gz")
	defer os.Remove(tmpPath)

	if err := writeDeterministicGzip(tmpPath, r); err != nil {
		return "", 0, herderr.Wrap(herderr.ExternalFailure, "backupstore.PutArchive", err)
	}
	digest, size, err := sha256OfFile(tmpPath)
	if err != nil {
		return "", 0, herderr.Wrap(herderr.ExternalFailure, "backupstore.PutArchive", err)
	}

	if err := s.ssh("mkdir -p " + s.baseDir); err != nil {
		return "", 0, err
	}
	if err := s.scp(tmpPath, s.remotePath(digest+".tar.gz")); err != nil {
		return "", 0, err
	}
	return digest, size, nil
}

// GetArchive copies the archive named by digest back to local scratch and
// returns a decompressing reader over it; the underlying scratch file is
// removed on Close.
func (s *SSHBackupStore) GetArchive(digest string) (io.ReadCloser, error) {
	localPath := filepath.Join(s.workDir, digest+".tar.gz")
	if err := s.scp(s.remotePath(digest+".tar.gz"), localPath); err != nil {
		return nil, herderr.New(herderr.NotFound, "backupstore.GetArchive", fmt.Errorf("archive %s: %w", digest, err))
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, herderr.Wrap(herderr.ExternalFailure, "backupstore.GetArchive", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		os.Remove(localPath)
		return nil, herderr.Wrap(herderr.ExternalFailure, "backupstore.GetArchive", err)
	}
	return &scratchReader{gz: gz, f: f, path: localPath}, nil
}

// DeleteArchive removes digest's file on the remote host; a missing file is
// a no-op.
func (s *SSHBackupStore) DeleteArchive(digest string) error {
	return s.ssh("rm -f " + filepath.Join(s.baseDir, digest+".tar.gz"))
}

type scratchReader struct {
	gz   *gzip.Reader
	f    *os.File
	path string
}

func (r *scratchReader) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *scratchReader) Close() error {
	gzErr := r.gz.Close()
	fErr := r.f.Close()
	os.Remove(r.path)
	if gzErr != nil {
		return gzErr
	}
	return fErr
}
