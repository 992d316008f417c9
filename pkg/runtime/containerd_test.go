package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstUsableAddr(t *testing.T) {
	addr, err := firstUsableAddr("172.20.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.1/16", addr)
}

func TestFirstUsableAddrInvalidCIDR(t *testing.T) {
	_, err := firstUsableAddr("not-a-cidr")
	assert.Error(t, err)
}

func TestFilepathJoin(t *testing.T) {
	assert.Equal(t, "/mnt/foo/bar", filepathJoin("/mnt/foo", "/bar"))
	assert.Equal(t, "/mnt/foo/bar", filepathJoin("/mnt/foo", "bar"))
}
