package sync

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadApplier_ApplyChange_WritesFileAtomically(t *testing.T) {
	root := t.TempDir()
	remote := &fakeRemoteClient{
		downloadFn: func(ctx context.Context, path, rev string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("hello world")), nil
		},
	}

	a := NewDownloadApplier(root, NewPathNormalizer(true), remote)
	change := RemoteChange{Kind: RemoteFileMeta, Path: "a.txt", Rev: "r1", ContentHash: "h1"}

	entry, err := a.Apply(context.Background(), SyncAction{Kind: ActionApply, Change: change})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "r1", *entry.Rev)
	assert.Equal(t, TypeFile, entry.ItemType)

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownloadApplier_ApplyChange_DeletedRemovesLocalFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("x"), 0o644))

	a := NewDownloadApplier(root, NewPathNormalizer(true), &fakeRemoteClient{})
	change := RemoteChange{Kind: RemoteDeletedMeta, Path: "gone.txt"}

	entry, err := a.Apply(context.Background(), SyncAction{Kind: ActionApply, Change: change})
	require.NoError(t, err)
	assert.Nil(t, entry.Rev)

	_, statErr := os.Stat(filepath.Join(root, "gone.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadApplier_ApplyChange_FolderMetaCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	a := NewDownloadApplier(root, NewPathNormalizer(true), &fakeRemoteClient{})
	change := RemoteChange{Kind: RemoteFolderMeta, Path: "sub/dir", Rev: "r1"}

	entry, err := a.Apply(context.Background(), SyncAction{Kind: ActionApply, Change: change})
	require.NoError(t, err)
	assert.Equal(t, TypeFolder, entry.ItemType)
	assert.DirExists(t, filepath.Join(root, "sub", "dir"))
}

func TestDownloadApplier_Apply_SkipReturnsIndexUpdateWithoutIO(t *testing.T) {
	a := NewDownloadApplier(t.TempDir(), NewPathNormalizer(true), &fakeRemoteClient{})
	update := &IndexEntry{LocalPath: "a.txt", Rev: strp("r2")}

	entry, err := a.Apply(context.Background(), SyncAction{
		Kind:        ActionSkip,
		Change:      RemoteChange{Path: "a.txt"},
		IndexUpdate: update,
	})
	require.NoError(t, err)
	assert.Same(t, update, entry)
}

func TestDownloadApplier_Apply_CreateConflictCopyRenamesExistingFile(t *testing.T) {
	root := t.TempDir()
	localFile := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(localFile, []byte("mine"), 0o644))
	conflictName := filepath.Join(root, "a (conflicted copy).txt")

	remote := &fakeRemoteClient{
		downloadFn: func(ctx context.Context, path, rev string) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("theirs")), nil
		},
	}
	a := NewDownloadApplier(root, NewPathNormalizer(true), remote)
	change := RemoteChange{Kind: RemoteFileMeta, Path: "a.txt", Rev: "r1", ContentHash: "h1"}

	_, err := a.Apply(context.Background(), SyncAction{
		Kind:    ActionCreateConflictCopy,
		Change:  change,
		NewName: conflictName,
	})
	require.NoError(t, err)

	renamed, err := os.ReadFile(conflictName)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(renamed))

	updated, err := os.ReadFile(localFile)
	require.NoError(t, err)
	assert.Equal(t, "theirs", string(updated))
}

func TestUploadApplier_ApplyChange_DeletedCallsRemoteDelete(t *testing.T) {
	var deletedPath string
	remote := &fakeRemoteClient{
		deleteFn: func(ctx context.Context, path string, ifMatch *string) error {
			deletedPath = path
			return nil
		},
	}
	idx := newTestIndexStore(t)
	a := NewUploadApplier(t.TempDir(), NewPathNormalizer(true), idx, remote, NewUploadRegistry(""))

	entry, err := a.Apply(context.Background(), SyncAction{
		Kind:   ActionApply,
		Change: LocalChange{Kind: LocalDeleted, Path: "a.txt"},
	})
	require.NoError(t, err)
	assert.Nil(t, entry.Rev)
	assert.Equal(t, "a.txt", deletedPath)
}

func TestUploadApplier_ApplyChange_UploadsFileContent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("payload"), 0o644))

	var uploadedBody string
	remote := &fakeRemoteClient{
		uploadFn: func(ctx context.Context, path string, r io.Reader, ifMatch *string) (string, string, time.Time, error) {
			data, _ := io.ReadAll(r)
			uploadedBody = string(data)
			return "r2", "h2", time.Now(), nil
		},
	}
	idx := newTestIndexStore(t)
	a := NewUploadApplier(root, NewPathNormalizer(true), idx, remote, NewUploadRegistry(""))

	entry, err := a.Apply(context.Background(), SyncAction{
		Kind:   ActionApply,
		Change: LocalChange{Kind: LocalCreated, Path: "a.txt", Type: TypeFile},
	})
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "r2", *entry.Rev)
	assert.Equal(t, "payload", uploadedBody)
}

func TestUploadApplier_ApplyChange_VanishedFileReturnsSentinelError(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndexStore(t)
	a := NewUploadApplier(root, NewPathNormalizer(true), idx, &fakeRemoteClient{}, NewUploadRegistry(""))

	_, err := a.Apply(context.Background(), SyncAction{
		Kind:   ActionApply,
		Change: LocalChange{Kind: LocalCreated, Path: "gone.txt", Type: TypeFile},
	})
	assert.ErrorIs(t, err, ErrVanishedFile)
}

func TestUploadApplier_ApplyChange_MovedCallsRemoteMoveThenUploads(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "new.txt"), []byte("payload"), 0o644))

	var movedSrc, movedDst string
	remote := &fakeRemoteClient{
		moveFn: func(ctx context.Context, src, dst string, ifMatch *string) error {
			movedSrc, movedDst = src, dst
			return nil
		},
		uploadFn: func(ctx context.Context, path string, r io.Reader, ifMatch *string) (string, string, time.Time, error) {
			return "r3", "h3", time.Now(), nil
		},
	}
	idx := newTestIndexStore(t)
	a := NewUploadApplier(root, NewPathNormalizer(true), idx, remote, NewUploadRegistry(""))

	_, err := a.Apply(context.Background(), SyncAction{
		Kind:   ActionApply,
		Change: LocalChange{Kind: LocalMoved, Path: "new.txt", SrcPath: "old.txt", Type: TypeFile},
	})
	require.NoError(t, err)
	assert.Equal(t, "old.txt", movedSrc)
	assert.Equal(t, "new.txt", movedDst)
}
