package sync

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorkerPool(t *testing.T) *WorkerPool {
	idx := newTestIndexStore(t)
	p := NewWorkerPool(4, idx, NoopNotifier{}, t.TempDir())
	p.Retry = RetryConfig{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3, Jitter: 0}
	return p
}

func TestWorkerPool_RetriesTransientThenSucceeds(t *testing.T) {
	p := newTestWorkerPool(t)
	var attempts int32

	actions := []SyncAction{
		{Kind: ActionApply, Change: LocalChange{Kind: LocalCreated, Path: "a.txt", Type: TypeFile}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, &RemoteError{Kind: ErrNetwork}
		}
		rev := "r1"
		return &IndexEntry{LocalPath: "a.txt", ItemType: TypeFile, Rev: &rev}, nil
	}

	err := p.RunBatch(context.Background(), DirectionUpload, actions, apply, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	entry, getErr := p.Idx.Get("a.txt")
	require.NoError(t, getErr)
	require.NotNil(t, entry)
	assert.Equal(t, "r1", entry.RevOrEmpty())
}

func TestWorkerPool_PermanentFailureHaltsDirection(t *testing.T) {
	p := newTestWorkerPool(t)
	actions := []SyncAction{
		{Kind: ActionApply, Change: LocalChange{Kind: LocalCreated, Path: "b.txt", Type: TypeFile}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		return nil, &RemoteError{Kind: ErrPermissionDenied}
	}

	err := p.RunBatch(context.Background(), DirectionUpload, actions, apply, nil)
	assert.ErrorIs(t, err, ErrDirectionHalted)
}

func TestWorkerPool_SerializesDeletesWithinDepth(t *testing.T) {
	p := newTestWorkerPool(t)
	var active int32
	var maxActive int32

	actions := []SyncAction{
		{Kind: ActionApply, Change: LocalChange{Kind: LocalDeleted, Path: "d1.txt", Type: TypeFile}},
		{Kind: ActionApply, Change: LocalChange{Kind: LocalDeleted, Path: "d2.txt", Type: TypeFile}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&maxActive) {
			atomic.StoreInt32(&maxActive, n)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}

	err := p.RunBatch(context.Background(), DirectionUpload, actions, apply, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestWorkerPool_NotFoundOnDeleteStillPersistsTombstone(t *testing.T) {
	p := newTestWorkerPool(t)
	actions := []SyncAction{
		{Kind: ActionApply, Change: LocalChange{Kind: LocalDeleted, Path: "gone.txt", Type: TypeFile}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		return nil, &RemoteError{Kind: ErrNotFound}
	}

	err := p.RunBatch(context.Background(), DirectionUpload, actions, apply, nil)
	require.NoError(t, err)

	entry, getErr := p.Idx.Get("gone.txt")
	require.NoError(t, getErr)
	require.NotNil(t, entry)
	assert.Nil(t, entry.Rev)
}

func TestWorkerPool_NotFoundOnDownloadTriggersResync(t *testing.T) {
	p := newTestWorkerPool(t)
	actions := []SyncAction{
		{Kind: ActionApply, Change: RemoteChange{Kind: RemoteFileMeta, Path: "vanished.txt", Rev: "r1"}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		return nil, &RemoteError{Kind: ErrNotFound}
	}

	err := p.RunBatch(context.Background(), DirectionDownload, actions, apply, func(tx *Txn) error {
		return tx.SetCursor(Cursor("cursor-2"))
	})
	assert.ErrorIs(t, err, ErrRemoteResyncNeeded)

	cursor, getErr := p.Idx.GetCursor()
	require.NoError(t, getErr)
	assert.Equal(t, Cursor(""), cursor)
}

func TestWorkerPool_BusyPathDefersCursorAdvance(t *testing.T) {
	p := newTestWorkerPool(t)
	require.True(t, p.Inflight.TryClaim("busy.txt"))
	defer p.Inflight.Release("busy.txt")

	actions := []SyncAction{
		{Kind: ActionApply, Change: RemoteChange{Kind: RemoteFileMeta, Path: "busy.txt", Rev: "r1"}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		t.Fatal("apply should not run for a path claimed elsewhere")
		return nil, nil
	}

	err := p.RunBatch(context.Background(), DirectionDownload, actions, apply, func(tx *Txn) error {
		return tx.SetCursor(Cursor("cursor-3"))
	})
	require.NoError(t, err)

	cursor, getErr := p.Idx.GetCursor()
	require.NoError(t, getErr)
	assert.Equal(t, Cursor(""), cursor)
}

func TestWorkerPool_CursorAdvanceCommittedWithBatch(t *testing.T) {
	p := newTestWorkerPool(t)
	actions := []SyncAction{
		{Kind: ActionApply, Change: RemoteChange{Kind: RemoteFileMeta, Path: filepath.ToSlash("c.txt"), Rev: "r1"}},
	}
	apply := func(ctx context.Context, a SyncAction) (*IndexEntry, error) {
		rev := "r1"
		return &IndexEntry{LocalPath: "c.txt", ItemType: TypeFile, Rev: &rev}, nil
	}

	err := p.RunBatch(context.Background(), DirectionDownload, actions, apply, func(tx *Txn) error {
		return tx.SetCursor(Cursor("cursor-1"))
	})
	require.NoError(t, err)

	cursor, err := p.Idx.GetCursor()
	require.NoError(t, err)
	assert.Equal(t, Cursor("cursor-1"), cursor)
}
