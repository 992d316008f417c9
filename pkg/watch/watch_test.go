package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/herd/pkg/registry"
	"github.com/cuemby/herd/pkg/types"
	"github.com/stretchr/testify/assert"
)

type fakeHealth struct {
	mu      sync.Mutex
	calls   int
	indices []uint64
	entries [][]registry.HealthEntry
}

func (f *fakeHealth) ServiceHealth(ctx context.Context, addr, name string, waitIndex uint64, waitSeconds time.Duration) (uint64, []registry.HealthEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.indices) {
		<-ctx.Done()
		return waitIndex, nil, ctx.Err()
	}
	return f.indices[i], f.entries[i], nil
}

type fakeHealer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeHealer) Heal(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeHealer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestLoopHealsOnCriticalEntry verifies a critical health entry in the watch
// response triggers a heal even though the index advanced.
func TestLoopHealsOnCriticalEntry(t *testing.T) {
	fh := &fakeHealth{
		indices: []uint64{1},
		entries: [][]registry.HealthEntry{
			{{ID: "g_1", Status: types.StatusCritical}},
		},
	}
	healer := &fakeHealer{}
	l := New(fh, "agent1", healer)
	l.waitSeconds = time.Millisecond

	go l.run(types.GroupMemcached)
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	assert.GreaterOrEqual(t, healer.count(), 1)
}

// TestLoopHealsOnUnchangedIndex verifies a repeated index (the long-poll
// window elapsed with no events) triggers a periodic heal.
func TestLoopHealsOnUnchangedIndex(t *testing.T) {
	fh := &fakeHealth{
		indices: []uint64{5, 5},
		entries: [][]registry.HealthEntry{{}, {}},
	}
	healer := &fakeHealer{}
	l := New(fh, "agent1", healer)
	l.waitSeconds = time.Millisecond

	go l.run(types.GroupMemcached)
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	assert.GreaterOrEqual(t, healer.count(), 1)
}

// TestLoopSkipsHealOnPassingEntries verifies a fresh index with only passing
// entries does not trigger a heal.
func TestLoopSkipsHealOnPassingEntries(t *testing.T) {
	fh := &fakeHealth{
		indices: []uint64{1},
		entries: [][]registry.HealthEntry{
			{{ID: "g_1", Status: types.StatusPassing}},
		},
	}
	healer := &fakeHealer{}
	l := New(fh, "agent1", healer)
	l.waitSeconds = time.Millisecond

	go l.run(types.GroupMemcached)
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	assert.Equal(t, 0, healer.count())
}
