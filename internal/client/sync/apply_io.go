package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const tmpDirName = ".dropsync-tmp"

// DownloadApplier bridges a resolved download SyncAction to real remote I/O
// and local filesystem writes, returning the IndexEntry the worker pool
// should persist on success.
type DownloadApplier struct {
	rootDir string
	norm    *PathNormalizer
	remote  RemoteClient
}

func NewDownloadApplier(rootDir string, norm *PathNormalizer, remote RemoteClient) *DownloadApplier {
	return &DownloadApplier{rootDir: rootDir, norm: norm, remote: remote}
}

func (a *DownloadApplier) localPath(canonical string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(canonical))
}

// Apply satisfies ApplyFunc for the download direction.
func (a *DownloadApplier) Apply(ctx context.Context, action SyncAction) (*IndexEntry, error) {
	change, ok := action.Change.(RemoteChange)
	if !ok {
		return nil, fmt.Errorf("download applier: action change is %T, want RemoteChange", action.Change)
	}

	switch action.Kind {
	case ActionSkip:
		return action.IndexUpdate, nil

	case ActionCreateConflictCopy:
		local := a.localPath(change.Path)
		if _, err := os.Stat(local); err == nil {
			if err := os.Rename(local, action.NewName); err != nil {
				return nil, &RemoteError{Kind: ErrTempIO, Err: err}
			}
		}
		return a.applyChange(ctx, change)

	case ActionApply:
		return a.applyChange(ctx, change)

	default:
		return nil, fmt.Errorf("download applier: unexpected action kind %q", action.Kind)
	}
}

func (a *DownloadApplier) applyChange(ctx context.Context, change RemoteChange) (*IndexEntry, error) {
	local := a.localPath(change.Path)

	if change.Kind == RemoteDeletedMeta {
		if err := os.RemoveAll(local); err != nil && !os.IsNotExist(err) {
			return nil, &RemoteError{Kind: ErrTempIO, Err: err}
		}
		return &IndexEntry{LocalPath: change.Path, LastSyncUnixMs: nowUnixMs()}, nil
	}

	if change.Kind == RemoteFolderMeta {
		if err := os.MkdirAll(local, 0o755); err != nil {
			return nil, &RemoteError{Kind: ErrTempIO, Err: err}
		}
		hash := FolderHash
		return &IndexEntry{
			LocalPath:      change.Path,
			ItemType:       TypeFolder,
			Rev:            &change.Rev,
			ContentHash:    &hash,
			LastSyncUnixMs: nowUnixMs(),
		}, nil
	}

	body, err := a.remote.Download(ctx, change.Path, change.Rev)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if err := a.writeAtomic(local, body); err != nil {
		return nil, err
	}

	return &IndexEntry{
		LocalPath:      change.Path,
		ItemType:       TypeFile,
		Rev:            &change.Rev,
		ContentHash:    &change.ContentHash,
		LastSyncUnixMs: nowUnixMs(),
	}, nil
}

func (a *DownloadApplier) writeAtomic(dst string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	tmpDir := filepath.Join(a.rootDir, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}

	tmp, err := os.CreateTemp(tmpDir, filepath.Base(dst)+".tmp.*")
	if err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, src)
	if err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	success = true
	slog.Info("sync", "op", "download", "path", dst, "size", humanize.Bytes(uint64(written)))
	return nil
}

// UploadApplier bridges a resolved upload SyncAction to real remote I/O.
type UploadApplier struct {
	rootDir  string
	norm     *PathNormalizer
	idx      IndexReader
	remote   RemoteClient
	registry *UploadRegistry
}

func NewUploadApplier(rootDir string, norm *PathNormalizer, idx IndexReader, remote RemoteClient, registry *UploadRegistry) *UploadApplier {
	return &UploadApplier{rootDir: rootDir, norm: norm, idx: idx, remote: remote, registry: registry}
}

func (a *UploadApplier) localPath(canonical string) string {
	return filepath.Join(a.rootDir, filepath.FromSlash(canonical))
}

func (a *UploadApplier) Apply(ctx context.Context, action SyncAction) (*IndexEntry, error) {
	change, ok := action.Change.(LocalChange)
	if !ok {
		return nil, fmt.Errorf("upload applier: action change is %T, want LocalChange", action.Change)
	}

	switch action.Kind {
	case ActionSkip:
		return action.IndexUpdate, nil

	case ActionRenameTarget:
		local := a.localPath(change.Path)
		if err := os.Rename(local, action.NewName); err != nil {
			return nil, &RemoteError{Kind: ErrTempIO, Err: err}
		}
		renamed := change
		renamed.Path = a.norm.Canonical(action.NewName)
		return a.applyChange(ctx, renamed)

	case ActionCreateConflictCopy:
		if err := a.copyRemoteAside(ctx, change.Path, action.NewName); err != nil {
			return nil, err
		}
		return a.applyChange(ctx, change)

	case ActionApply:
		return a.applyChange(ctx, change)

	default:
		return nil, fmt.Errorf("upload applier: unexpected action kind %q", action.Kind)
	}
}

// copyRemoteAside downloads the remote content about to be overwritten and
// saves it under conflictName before the local change is uploaded in its
// place, per the upload ladder's type-change rule.
func (a *UploadApplier) copyRemoteAside(ctx context.Context, path, conflictName string) error {
	body, err := a.remote.Download(ctx, path, "")
	if err != nil {
		if re, ok := AsRemoteError(err); ok && re.Kind == ErrNotFound {
			return nil
		}
		return err
	}
	defer body.Close()

	f, err := os.Create(conflictName)
	if err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return &RemoteError{Kind: ErrTempIO, Err: err}
	}
	return nil
}

func (a *UploadApplier) applyChange(ctx context.Context, change LocalChange) (*IndexEntry, error) {
	local := a.localPath(change.Path)

	if change.Kind == LocalDeleted {
		if err := a.remote.Delete(ctx, change.Path, nil); err != nil {
			return nil, err
		}
		return &IndexEntry{LocalPath: change.Path, LastSyncUnixMs: nowUnixMs()}, nil
	}

	if change.Kind == LocalMoved {
		if err := a.remote.Move(ctx, change.SrcPath, change.Path, nil); err != nil {
			return nil, err
		}
	}

	ifMatch := a.currentRev(change.Path)

	if change.Type == TypeFolder {
		rev, hash, _, err := a.remote.Upload(ctx, change.Path, bytes.NewReader(nil), ifMatch)
		if err != nil {
			return nil, err
		}
		return &IndexEntry{
			LocalPath:      change.Path,
			ItemType:       TypeFolder,
			Rev:            &rev,
			ContentHash:    &hash,
			LastSyncUnixMs: nowUnixMs(),
		}, nil
	}

	f, err := os.Open(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVanishedFile
		}
		return nil, &RemoteError{Kind: ErrTempIO, Err: err}
	}
	defer f.Close()

	info, statErr := f.Stat()
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	session, _, cancel, active := a.registry.TryRegister(change.Path, size)
	if active {
		return nil, nil // another worker's prior attempt is still uploading this path
	}
	defer cancel()

	rev, contentHash, _, err := a.remote.Upload(ctx, change.Path, f, ifMatch)
	if err != nil {
		a.registry.SetError(session.ID, err)
		return nil, err
	}
	a.registry.SetCompleted(session.ID)
	slog.Info("sync", "op", "upload", "path", change.Path, "size", humanize.Bytes(uint64(size)))

	return &IndexEntry{
		LocalPath:      change.Path,
		ItemType:       TypeFile,
		Rev:            &rev,
		ContentHash:    &contentHash,
		LastSyncUnixMs: nowUnixMs(),
	}, nil
}

// currentRev returns the index's known rev for path, used as the upload's
// if_match precondition; nil means "no known rev" (create).
func (a *UploadApplier) currentRev(path string) *string {
	entry, err := a.idx.Get(path)
	if err != nil || entry == nil {
		return nil
	}
	return entry.Rev
}
