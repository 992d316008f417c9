package group

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/cuemby/herd/pkg/herderr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTarWrapsLuaFileAsAppLua(t *testing.T) {
	out, err := toTar("config.lua", []byte("box.cfg{}"))
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(out))
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "app.lua", hdr.Name)

	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "box.cfg{}", string(body))

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestToTarGunzipsTarGz(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "app.lua", Size: 4}))
	_, err := tw.Write([]byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	_, err = gz.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	out, err := toTar("deploy.tar.gz", gzBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tarBuf.Bytes(), out)

	out2, err := toTar("deploy.tgz", gzBuf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tarBuf.Bytes(), out2)
}

func TestToTarRejectsUnsupportedExtension(t *testing.T) {
	_, err := toTar("config.zip", []byte("whatever"))
	require.Error(t, err)
	assert.True(t, herderr.Is(err, herderr.ConfigInvalid))
}

func TestToTarRejectsInvalidGzip(t *testing.T) {
	_, err := toTar("deploy.tar.gz", []byte("not gzip data"))
	require.Error(t, err)
	assert.True(t, herderr.Is(err, herderr.ConfigInvalid))
}
