package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTracker_SetSyncingThenCompletedRemovesEntry(t *testing.T) {
	st := NewStatusTracker()
	defer st.Close()

	st.SetSyncing("a.txt")
	status, ok := st.GetStatus("a.txt")
	require.True(t, ok)
	assert.Equal(t, PathStateSyncing, status.State)

	st.SetCompleted("a.txt")
	_, ok = st.GetStatus("a.txt")
	assert.False(t, ok, "unconflicted completed entries should be dropped")
}

func TestStatusTracker_SetConflictedKeepsEntry(t *testing.T) {
	st := NewStatusTracker()
	defer st.Close()

	st.SetSyncing("b.txt")
	st.SetConflicted("b.txt")

	status, ok := st.GetStatus("b.txt")
	require.True(t, ok)
	assert.Equal(t, ConflictFlagConflicted, status.Conflict)
}

func TestStatusTracker_OnErrorIncrementsCount(t *testing.T) {
	st := NewStatusTracker()
	defer st.Close()

	st.OnError(string(ErrNetwork), "c.txt", "boom")
	st.OnError(string(ErrNetwork), "c.txt", "boom again")

	status, ok := st.GetStatus("c.txt")
	require.True(t, ok)
	assert.Equal(t, 2, status.ErrorCount)
	assert.Equal(t, PathStateError, status.State)
}

func TestStatusTracker_SubscribeReceivesBroadcast(t *testing.T) {
	st := NewStatusTracker()
	defer st.Close()

	ch := st.Subscribe()
	st.SetSyncing("d.txt")

	select {
	case event := <-ch:
		assert.Equal(t, "d.txt", event.Path)
	case <-time.After(time.Second):
		t.Fatal("expected a status event")
	}
}

func TestStatusTracker_CleanupDropsAgedCompletedEntries(t *testing.T) {
	st := NewStatusTracker()
	defer st.Close()

	st.SetSyncing("e.txt")
	st.SetConflicted("e.txt") // keep entry around so Cleanup has something to examine
	status, ok := st.GetStatus("e.txt")
	require.True(t, ok)
	status.LastUpdated = time.Now().Add(-time.Hour)
	status.Conflict = ConflictFlagNone
	status.State = PathStateCompleted

	st.Cleanup(time.Minute)
	_, ok = st.GetStatus("e.txt")
	assert.False(t, ok)
}
