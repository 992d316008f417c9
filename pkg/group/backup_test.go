package group

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemBackupStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemBackupStore(dir)
	require.NoError(t, err)

	payload := []byte("a tar stream's worth of bytes")
	digest, size, err := store.PutArchive(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.NotEmpty(t, digest)
	// size is that of the stored (gzip-compressed) archive, not of the input.
	stored, err := os.Stat(filepath.Join(dir, digest+".tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, stored.Size(), size)

	rc, err := store.GetArchive(digest)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFilesystemBackupStorePutArchiveIsDeterministic(t *testing.T) {
	store, err := NewFilesystemBackupStore(t.TempDir())
	require.NoError(t, err)

	payload := []byte("identical content, twice over")
	digest1, _, err := store.PutArchive(bytes.NewReader(payload))
	require.NoError(t, err)
	digest2, _, err := store.PutArchive(bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, digest1, digest2)
}

func TestFilesystemBackupStoreGetArchiveMissing(t *testing.T) {
	store, err := NewFilesystemBackupStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.GetArchive("deadbeef")
	require.Error(t, err)
	assert.True(t, herderr.Is(err, herderr.NotFound))
}

func TestFilesystemBackupStoreDeleteArchiveIdempotent(t *testing.T) {
	store, err := NewFilesystemBackupStore(t.TempDir())
	require.NoError(t, err)

	digest, _, err := store.PutArchive(bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	require.NoError(t, store.DeleteArchive(digest))
	require.NoError(t, store.DeleteArchive(digest)) // second delete is a no-op
}

func TestRequiredBackupFilesNewestSnapPlusCoveringAndLaterXlogs(t *testing.T) {
	names := []string{
		"00000000000000000002.snap",
		"00000000000000000008.snap",
		"00000000000000000002.xlog",
		"00000000000000000005.xlog",
		"00000000000000000008.xlog",
		"00000000000000000011.xlog",
		"00000000000000000014.xlog",
	}
	got := requiredBackupFiles(names)
	// The newest snap (8), the covering xlog (8, the latest with id <= 8),
	// and every xlog after it (11, 14). Older snaps and xlogs are not needed.
	assert.Equal(t, []string{
		"00000000000000000008.snap",
		"00000000000000000008.xlog",
		"00000000000000000011.xlog",
		"00000000000000000014.xlog",
	}, got)
}

func TestRequiredBackupFilesCoveringXlogMayPredateSnap(t *testing.T) {
	names := []string{
		"00000000000000000010.snap",
		"00000000000000000007.xlog",
		"00000000000000000012.xlog",
	}
	got := requiredBackupFiles(names)
	assert.Equal(t, []string{
		"00000000000000000010.snap",
		"00000000000000000007.xlog",
		"00000000000000000012.xlog",
	}, got)
}

func TestRequiredBackupFilesNoSnapshots(t *testing.T) {
	assert.Nil(t, requiredBackupFiles([]string{"00000000000000000001.xlog", "app.lua"}))
}

func TestRequiredBackupFilesIgnoresForeignFiles(t *testing.T) {
	got := requiredBackupFiles([]string{"00000000000000000003.snap", "config.yml", "notes.txt"})
	assert.Equal(t, []string{"00000000000000000003.snap"}, got)
}

func TestParseConfigPassword(t *testing.T) {
	yml := "listen: 3301\nusername: tarantool\npassword: 'hunter2'\n"
	assert.Equal(t, "hunter2", parseConfigPassword(yml))
}

func TestParseConfigPasswordMissing(t *testing.T) {
	assert.Equal(t, "", parseConfigPassword("listen: 3301\n"))
}

func TestNewFilesystemBackupStoreRejectsMissingDir(t *testing.T) {
	_, err := NewFilesystemBackupStore("/no/such/directory/herd-test")
	require.Error(t, err)
	assert.True(t, herderr.Is(err, herderr.ConfigInvalid))
}
