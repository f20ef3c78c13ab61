package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleLocal_PreservesDepthOrderButReordersWithinLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.bin"), make([]byte, 1024*1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("hi"), 0o644))

	batch := []LocalChange{
		{Kind: LocalCreated, Path: "parent", Type: TypeFolder},
		{Kind: LocalCreated, Path: "big.bin", Type: TypeFile},
		{Kind: LocalCreated, Path: "small.txt", Type: TypeFile},
	}
	got := ScheduleLocal(dir, batch, nil)
	require.Len(t, got, 3)
	// parent (depth 1, folder) forms its own run distinct from the two
	// depth-1 files; within the file run, small.txt should dispatch first.
	assert.Equal(t, "parent", got[0].Path)
	assert.Equal(t, "small.txt", got[1].Path)
	assert.Equal(t, "big.bin", got[2].Path)
}

func TestScheduleLocal_OwnPathJumpsQueue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("y"), 0o644))

	batch := []LocalChange{
		{Kind: LocalCreated, Path: "a.txt", Type: TypeFile},
		{Kind: LocalCreated, Path: "b.txt", Type: TypeFile},
	}
	own := func(p string) bool { return p == "b.txt" }
	got := ScheduleLocal(dir, batch, own)
	require.Len(t, got, 2)
	assert.Equal(t, "b.txt", got[0].Path)
}

func TestScheduleLocal_DeletesKeepChildFirstAcrossLevels(t *testing.T) {
	batch := []LocalChange{
		{Kind: LocalDeleted, Path: "a/b/c.txt", Type: TypeFile},
		{Kind: LocalDeleted, Path: "a/b", Type: TypeFolder},
		{Kind: LocalDeleted, Path: "a", Type: TypeFolder},
	}
	got := ScheduleLocal(t.TempDir(), batch, nil)
	require.Len(t, got, 3)
	assert.Equal(t, "a/b/c.txt", got[0].Path)
	assert.Equal(t, "a/b", got[1].Path)
	assert.Equal(t, "a", got[2].Path)
}
