package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAdvancesIndexAndWakesWaiters(t *testing.T) {
	tk := New("group.create")
	assert.Equal(t, 0, tk.Index())

	done := make(chan struct{})
	go func() {
		idx, entries := tk.Wait(context.Background(), 0, time.Second)
		assert.Equal(t, 1, idx)
		require.Len(t, entries, 1)
		assert.Equal(t, "allocating ips", entries[0].Message)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	tk.Log("allocating ips")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Log")
	}
}

func TestWaitReturnsImmediatelyWhenBehind(t *testing.T) {
	// A caller whose index is behind the log must get the backlog without
	// blocking, not wait for the next Log.
	tk := New("group.create")
	tk.Log("allocating ips")
	tk.Log("writing blueprint")

	idx, entries := tk.Wait(context.Background(), 0, time.Second)
	assert.Equal(t, 2, idx)
	require.Len(t, entries, 2)
	assert.Equal(t, "allocating ips", entries[0].Message)
	assert.Equal(t, "writing blueprint", entries[1].Message)

	idx, entries = tk.Wait(context.Background(), 1, time.Second)
	assert.Equal(t, 2, idx)
	require.Len(t, entries, 1)
	assert.Equal(t, "writing blueprint", entries[0].Message)
}

func TestWaitForCompletionAfterEntriesAppended(t *testing.T) {
	// WaitForCompletion starting from index 0 against a task that already
	// logged (and finished) must drain the backlog and return, not hang.
	tk := New("group.delete")
	tk.Log("removing containers")
	tk.Log("deregistering services")
	tk.Succeed("done")

	done := make(chan Status, 1)
	go func() {
		done <- tk.WaitForCompletion(context.Background(), 50*time.Millisecond)
	}()

	select {
	case status := <-done:
		assert.Equal(t, StatusSuccess, status)
	case <-time.After(time.Second):
		t.Fatal("WaitForCompletion hung on a task with appended entries")
	}
}

func TestWaitTimesOutWithoutNewEntries(t *testing.T) {
	tk := New("group.create")
	idx, entries := tk.Wait(context.Background(), 0, 30*time.Millisecond)
	assert.Equal(t, 0, idx)
	assert.Empty(t, entries)
}

func TestWaitForCompletion(t *testing.T) {
	tk := New("group.delete")
	go func() {
		time.Sleep(10 * time.Millisecond)
		tk.Log("removing containers")
		time.Sleep(10 * time.Millisecond)
		tk.Succeed("done")
	}()

	status := tk.WaitForCompletion(context.Background(), 50*time.Millisecond)
	assert.Equal(t, StatusSuccess, status)
}

func TestRegistrySpawnTracksStatus(t *testing.T) {
	reg := NewRegistry(nil)
	tk := reg.Spawn("group.create", func(t *Task) {
		t.Log("working")
		t.Succeed("created")
	})

	status := tk.WaitForCompletion(context.Background(), 50*time.Millisecond)
	assert.Equal(t, StatusSuccess, status)
	assert.Same(t, tk, reg.Get(tk.ID))
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Nil(t, reg.Get("does-not-exist"))
}
