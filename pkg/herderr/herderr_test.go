package herderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(NotFound, "kv.Get", errors.New("key absent"))
	assert.Equal(t, "kv.Get: not_found: key absent", err.Error())

	bare := New(ConfigInvalid, "config.Load", nil)
	assert.Equal(t, "config.Load: config_invalid", bare.Error())
}

func TestIsMatchesByKindOnly(t *testing.T) {
	err := Wrap(CapacityExhausted, "allocator.Allocate", errors.New("no host"))
	require.True(t, errors.Is(err, ErrCapacityExhausted))
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	base := New(Transient, "kv.Put", errors.New("no leader"))
	wrapped := fmt.Errorf("retry failed: %w", base)

	assert.Equal(t, Transient, KindOf(wrapped))
	assert.True(t, Is(wrapped, Transient))
	assert.False(t, Is(wrapped, NotFound))
}

func TestKindOfNilOrPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(NotFound, "op", nil))
}
