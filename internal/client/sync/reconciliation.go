package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// Reconciler rebuilds divergence between the local tree and the Index into
// synthetic LocalChange events at startup and on the maintenance interval,
// and detects an invalidated cursor that requires a full remote re-listing
// instead of an incremental fetch.
type Reconciler struct {
	rootDir  string
	norm     *PathNormalizer
	idx      *IndexStore
	remote   RemoteClient
	excluded Excluder
}

func NewReconciler(rootDir string, norm *PathNormalizer, idx *IndexStore, remote RemoteClient, excluded Excluder) *Reconciler {
	return &Reconciler{rootDir: rootDir, norm: norm, idx: idx, remote: remote, excluded: excluded}
}

// observedEntry is one path's live on-disk state, gathered by the tree walk.
type observedEntry struct {
	path string
	typ  ItemType
}

// ReconcileLocal walks the local tree, joins it against the Index, and
// returns synthetic LocalChange records for every divergence: a file or
// folder on disk with no matching index entry is a Created; an index entry
// with nothing on disk is a Deleted; a file whose mtime is newer than the
// entry's last-sync time is a Modified (size is not compared).
func (r *Reconciler) ReconcileLocal() ([]LocalChange, error) {
	observed := make(map[string]observedEntry)

	err := filepath.WalkDir(r.rootDir, func(fullPath string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if fullPath == r.rootDir {
			return nil
		}
		rel, relErr := filepath.Rel(r.rootDir, fullPath)
		if relErr != nil {
			return nil
		}
		canonical := r.norm.Canonical(rel)
		if r.excluded != nil && r.excluded(canonical) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		typ := TypeFile
		if d.IsDir() {
			typ = TypeFolder
		}
		observed[canonical] = observedEntry{path: canonical, typ: typ}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries, err := r.idx.All()
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]*IndexEntry, len(entries))
	for _, e := range entries {
		indexed[e.LocalPath] = e
	}

	var changes []LocalChange

	for path, obs := range observed {
		entry, known := indexed[path]
		switch {
		case !known:
			changes = append(changes, LocalChange{Kind: LocalCreated, Path: path, Type: obs.typ})
		case entry.ItemType != obs.typ:
			changes = append(changes, LocalChange{Kind: LocalDeleted, Path: path})
			changes = append(changes, LocalChange{Kind: LocalCreated, Path: path, Type: obs.typ})
		case obs.typ == TypeFile && r.fileDrifted(path, entry):
			changes = append(changes, LocalChange{Kind: LocalModified, Path: path, Type: TypeFile})
		}
	}

	for path, entry := range indexed {
		if _, stillThere := observed[path]; !stillThere && entry.Rev != nil {
			changes = append(changes, LocalChange{Kind: LocalDeleted, Path: path, Type: entry.ItemType})
		}
	}

	sortLocalHierarchical(changes)
	return changes, nil
}

func (r *Reconciler) fileDrifted(canonical string, entry *IndexEntry) bool {
	full := filepath.Join(r.rootDir, filepath.FromSlash(canonical))
	info, err := os.Stat(full)
	if err != nil {
		return false
	}
	return info.ModTime().UnixMilli() > entry.LastSyncUnixMs
}

// ReconcileRemote resumes from the stored cursor when it is still valid;
// otherwise it discards the cursor and re-lists the whole remote tree,
// producing synthetic RemoteChange events the Change Normalizer can
// process exactly like an incremental delta batch.
func (r *Reconciler) ReconcileRemote(ctx context.Context) ([]RemoteChange, Cursor, error) {
	cursor, err := r.idx.GetCursor()
	if err != nil {
		return nil, "", err
	}

	if cursor == "" {
		return r.fullRelist(ctx)
	}

	changes, next, reset, err := r.remote.ListChanges(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	if reset {
		slog.Warn("remote cursor invalidated by server, performing full re-list")
		return r.fullRelist(ctx)
	}
	return changes, next, nil
}

// fullRelist fetches the complete remote tree, then asks for a fresh cursor
// positioned at "now" so the next incremental fetch resumes from this point
// rather than re-listing again.
func (r *Reconciler) fullRelist(ctx context.Context) ([]RemoteChange, Cursor, error) {
	changes, err := r.remote.ListFolder(ctx, "")
	if err != nil {
		return nil, "", err
	}
	_, next, _, err := r.remote.ListChanges(ctx, "")
	if err != nil {
		return nil, "", err
	}
	return changes, next, nil
}
