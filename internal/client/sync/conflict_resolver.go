package sync

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// ConflictResolver decides, for a single change against the current index
// and live file-system state, whether to apply, skip, rename-and-apply, or
// create a conflict copy.
type ConflictResolver struct {
	norm        *PathNormalizer
	idx         IndexReader
	remote      RemoteClient
	rootDir     string
	selective   Excluder // reports whether a canonical path is selective-sync excluded
}

func NewConflictResolver(norm *PathNormalizer, idx IndexReader, remote RemoteClient, rootDir string, selective Excluder) *ConflictResolver {
	if selective == nil {
		selective = func(string) bool { return false }
	}
	return &ConflictResolver{norm: norm, idx: idx, remote: remote, rootDir: rootDir, selective: selective}
}

func (r *ConflictResolver) localFullPath(canonical string) string {
	return filepath.Join(r.rootDir, filepath.FromSlash(canonical))
}

// ResolveDownload runs the download resolution ladder for a single remote change.
func (r *ConflictResolver) ResolveDownload(ctx context.Context, change RemoteChange) (SyncAction, error) {
	entry, err := r.idx.Get(change.Path)
	if err != nil {
		return SyncAction{}, err
	}

	// Rule 1: already in sync.
	if entry != nil && entry.Rev != nil && *entry.Rev == change.Rev {
		return SyncAction{Kind: ActionSkip, Change: change}, nil
	}

	localPath := r.localFullPath(change.Path)

	// Rule 2: deletion.
	if change.Kind == RemoteDeletedMeta {
		info, statErr := os.Stat(localPath)
		if statErr != nil {
			return SyncAction{Kind: ActionSkip, Change: change}, nil
		}
		if entry != nil && localUnmodifiedSince(localPath, info, entry.LastSyncUnixMs) {
			return SyncAction{Kind: ActionApply, Change: change}, nil
		}
		return SyncAction{
			Kind:    ActionCreateConflictCopy,
			NewName: ConflictCopyName(localPath),
			Change:  change,
		}, nil
	}

	// Rule 3: content already matches what's on disk; just re-point the index.
	localHash, hashErr := r.hashLocal(ctx, change, localPath)
	if hashErr == nil && localHash == change.ContentHash {
		rev := change.Rev
		hash := change.ContentHash
		return SyncAction{
			Kind:   ActionSkip,
			Change: change,
			IndexUpdate: &IndexEntry{
				LocalPath:      change.Path,
				ItemType:       remoteItemType(change),
				Rev:            &rev,
				ContentHash:    &hash,
				LastSyncUnixMs: nowUnixMs(),
			},
		}, nil
	}

	// Rule 4/5: compare local modification against last sync.
	info, statErr := os.Stat(localPath)
	if statErr != nil {
		// Nothing local to conflict with; straightforward apply (download creates it).
		return SyncAction{Kind: ActionApply, Change: change}, nil
	}

	lastSync := int64(0)
	if entry != nil {
		lastSync = entry.LastSyncUnixMs
	}
	if localUnmodifiedSince(localPath, info, lastSync) {
		return SyncAction{Kind: ActionApply, Change: change}, nil
	}

	return SyncAction{
		Kind:    ActionCreateConflictCopy,
		NewName: ConflictCopyName(localPath),
		Change:  change,
	}, nil
}

// ResolveUpload runs the upload resolution ladder for a single local change.
func (r *ConflictResolver) ResolveUpload(ctx context.Context, change LocalChange) (SyncAction, error) {
	// Rule 0: a previously rejected upload target is never retried on its own;
	// it stays put until the user acts on it.
	if RejectedFileExists(r.localFullPath(change.Path)) {
		return SyncAction{Kind: ActionSkip, Change: change}, nil
	}

	// Rule 1: selective-sync excluded target that nonetheless exists remotely.
	if r.selective(change.Path) {
		exists, err := r.remoteExists(ctx, change.Path)
		if err == nil && exists {
			localPath := r.localFullPath(change.Path)
			return SyncAction{
				Kind:    ActionRenameTarget,
				NewName: SelectiveSyncConflictName(localPath),
				Change:  change,
			}, nil
		}
	}

	// Rule 2: case-insensitive collision with a differently-cased remote entry.
	if caseSibling, ok := r.findCaseDifferingRemoteSibling(ctx, change.Path); ok {
		localPath := r.localFullPath(change.Path)
		_ = caseSibling
		return SyncAction{
			Kind:    ActionRenameTarget,
			NewName: CaseConflictName(localPath),
			Change:  change,
		}, nil
	}

	entry, err := r.idx.Get(change.Path)
	if err != nil {
		return SyncAction{}, err
	}

	// Rule 3: unchanged content, no upload needed.
	if change.Kind == LocalModified || (change.Kind == LocalCreated && change.Type == TypeFile) {
		localPath := r.localFullPath(change.Path)
		hash, hashErr := HashFile(ctx, localPath)
		if hashErr == nil && entry != nil && entry.ContentHash != nil && hash == *entry.ContentHash {
			return SyncAction{
				Kind:   ActionSkip,
				Change: change,
				IndexUpdate: &IndexEntry{
					LocalPath:      change.Path,
					ItemType:       change.Type,
					Rev:            entry.Rev,
					ContentHash:    entry.ContentHash,
					LastSyncUnixMs: nowUnixMs(),
				},
			}, nil
		}
	}

	// Rule 4: type change replacing remote content of a different type.
	if entry != nil && entry.ItemType != change.Type && change.Kind == LocalCreated {
		remoteRev, _ := r.remoteCurrentRev(ctx, change.Path)
		if remoteRev != "" && entry.Rev != nil && remoteRev != *entry.Rev {
			localPath := r.localFullPath(change.Path)
			return SyncAction{
				Kind:    ActionCreateConflictCopy,
				NewName: ConflictCopyName(localPath),
				Change:  change,
			}, nil
		}
	}

	// Rule 5: normal apply, conditioned on if_match = index.rev.
	return SyncAction{Kind: ActionApply, Change: change}, nil
}

func (r *ConflictResolver) hashLocal(ctx context.Context, change RemoteChange, localPath string) (string, error) {
	if change.Kind == RemoteFolderMeta {
		return FolderHash, nil
	}
	return HashFile(ctx, localPath)
}

func (r *ConflictResolver) remoteExists(ctx context.Context, path string) (bool, error) {
	parent := filepath.ToSlash(filepath.Dir(path))
	entries, err := r.remote.ListFolder(ctx, parent)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if r.norm.EqualIgnoringCase(e.Path, path) {
			return true, nil
		}
	}
	return false, nil
}

func (r *ConflictResolver) remoteCurrentRev(ctx context.Context, path string) (string, error) {
	parent := filepath.ToSlash(filepath.Dir(path))
	entries, err := r.remote.ListFolder(ctx, parent)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Path == path {
			return e.Rev, nil
		}
	}
	return "", nil
}

// findCaseDifferingRemoteSibling looks for an existing remote entry in the
// same directory whose canonical form matches path under case-folding but
// whose raw path differs only in case, the signature of a case conflict.
func (r *ConflictResolver) findCaseDifferingRemoteSibling(ctx context.Context, path string) (string, bool) {
	parent := filepath.ToSlash(filepath.Dir(path))
	entries, err := r.remote.ListFolder(ctx, parent)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if r.norm.DiffersOnlyInCase(e.Path, path) {
			return e.Path, true
		}
	}
	return "", false
}

// localUnmodifiedSince reports whether info's mtime (or, for a folder, the
// newest visible child mtime) is at or before lastSyncUnixMs.
func localUnmodifiedSince(localPath string, info os.FileInfo, lastSyncUnixMs int64) bool {
	if info.IsDir() {
		newest := newestChildMtime(localPath)
		return newest.UnixMilli() <= lastSyncUnixMs
	}
	return info.ModTime().UnixMilli() <= lastSyncUnixMs
}

// newestChildMtime walks a folder's whole subtree, skipping dot-prefixed
// files and directories (and everything under a dot-prefixed directory),
// and returns the newest modification time among the folder itself and
// every entry it visits, so an empty folder yields its own mtime. The
// IgnoreList (mignore and default rules) is not applied here.
func newestChildMtime(dir string) time.Time {
	var newest time.Time
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if filepath.Base(path) != filepath.Base(dir) && filepath.Base(path)[0] == '.' {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

func remoteItemType(c RemoteChange) ItemType {
	if c.Kind == RemoteFolderMeta {
		return TypeFolder
	}
	return TypeFile
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}
