package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSyncMonitor(t *testing.T, remote RemoteClient) (*SyncMonitor, *IndexStore) {
	t.Helper()
	root := t.TempDir()
	idx := newTestIndexStore(t)
	norm := NewPathNormalizer(true)

	watcher := NewFSEventHandler(newFakeLocalWatcher(), norm, root)
	resolver := NewConflictResolver(norm, idx, remote, root, nil)
	recon := NewReconciler(root, norm, idx, remote, nil)
	registry := NewUploadRegistry("")

	m := NewSyncMonitor(
		MonitorConfig{WorkerPoolSize: 2, MaintenanceInterval: time.Hour, PauseResyncThreshold: 24 * time.Hour},
		root, norm, idx, remote, watcher, nil, nil, resolver, recon, NoopNotifier{}, registry,
	)
	return m, idx
}

func TestSyncMonitor_StartStop_TransitionsThroughLifecycle(t *testing.T) {
	m, _ := newTestSyncMonitor(t, &fakeRemoteClient{})

	assert.Equal(t, StateStopped, m.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateSyncing, m.State())

	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
}

func TestSyncMonitor_Stop_IsIdempotent(t *testing.T) {
	m, _ := newTestSyncMonitor(t, &fakeRemoteClient{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "stopping an already-stopped monitor must be a no-op, not an error")
}

func TestSyncMonitor_PauseResume_TransitionsState(t *testing.T) {
	m, _ := newTestSyncMonitor(t, &fakeRemoteClient{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	require.NoError(t, m.Pause())
	assert.Equal(t, StatePaused, m.State())
	assert.True(t, m.isPaused())

	require.NoError(t, m.Resume(ctx))
	assert.Equal(t, StateSyncing, m.State())

	require.NoError(t, m.Stop())
}

func TestSyncMonitor_Resume_AfterLongPauseReReconciles(t *testing.T) {
	listFolderCalls := 0
	remote := &fakeRemoteClient{
		listFolderFn: func(ctx context.Context, path string) ([]RemoteChange, error) {
			listFolderCalls++
			return nil, nil
		},
		listChangesFn: func(ctx context.Context, cursor Cursor) ([]RemoteChange, Cursor, bool, error) {
			return nil, "c1", false, nil
		},
	}
	m, _ := newTestSyncMonitor(t, remote)
	m.cfg.PauseResyncThreshold = 0 // any pause duration counts as "long" for this test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Pause())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Resume(ctx))

	assert.GreaterOrEqual(t, listFolderCalls, 1, "resuming after exceeding the pause threshold should trigger a full reconciliation")
	require.NoError(t, m.Stop())
}

func TestSyncMonitor_HaltedDirection_ClearedByMaintenance(t *testing.T) {
	m, _ := newTestSyncMonitor(t, &fakeRemoteClient{})
	m.cfg.MaintenanceInterval = 10 * time.Millisecond

	m.setHalted(DirectionDownload, true)
	m.setHalted(DirectionUpload, true)
	assert.True(t, m.isHalted(DirectionDownload))
	assert.True(t, m.isHalted(DirectionUpload))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); m.maintenanceLoop(ctx) }()
	require.Eventually(t, func() bool {
		return !m.isHalted(DirectionDownload) && !m.isHalted(DirectionUpload)
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.False(t, m.isHalted(DirectionDownload))
	assert.False(t, m.isHalted(DirectionUpload))
}

func TestSyncMonitor_RunDownloadBatch_AdvancesCursorOnSuccess(t *testing.T) {
	m, idx := newTestSyncMonitor(t, &fakeRemoteClient{})

	changes := []RemoteChange{{Kind: RemoteFolderMeta, Path: "new-folder", Rev: "r1"}}
	require.NoError(t, m.runDownloadBatch(context.Background(), changes, "cursor-1"))

	cursor, err := idx.GetCursor()
	require.NoError(t, err)
	assert.Equal(t, Cursor("cursor-1"), cursor)

	entry, err := idx.Get("new-folder")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, TypeFolder, entry.ItemType)
}
