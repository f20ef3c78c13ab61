package sync

import (
	"sort"
	"strings"
)

// Excluder reports whether a canonical path should be dropped from both
// directions: selective-sync exclusion roots on download, mignore patterns
// plus hard-coded basenames on upload.
type Excluder func(path string) bool

// NormalizeLocal filters, coalesces and hierarchically sorts a raw batch of
// local changes. Unlike NormalizeRemote it takes no index: the index is
// consulted only for remote-type-change detection, which does not apply
// locally.
func NormalizeLocal(batch []LocalChange, excluded Excluder) []LocalChange {
	kept := make([]LocalChange, 0, len(batch))
	for _, c := range batch {
		if excluded != nil && excluded(c.Path) {
			continue
		}
		kept = append(kept, c)
	}

	coalesced := coalesceLocal(kept)
	coalesced = pruneLocalChildren(coalesced)
	sortLocalHierarchical(coalesced)
	return coalesced
}

// coalesceLocal retains, per canonical path, the single change that
// reproduces the net effect of the raw sequence observed on that path.
func coalesceLocal(batch []LocalChange) []LocalChange {
	type history struct {
		kind LocalChangeKind
		typ  ItemType
		src  string
		// typeChange holds a second change (Created of a different type
		// after a Deleted) that must survive alongside the first.
		typeChange *LocalChange
	}

	order := make([]string, 0, len(batch))
	byPath := make(map[string]*history, len(batch))

	for _, c := range batch {
		h, ok := byPath[c.Path]
		if !ok {
			h = &history{kind: c.Kind, typ: c.Type, src: c.SrcPath}
			byPath[c.Path] = h
			order = append(order, c.Path)
			continue
		}

		switch {
		case h.kind == LocalCreated && (c.Kind == LocalModified || c.Kind == LocalCreated):
			// Created -> Modified -> ... collapses to Created.
			h.kind = LocalCreated
			h.typ = c.Type
		case h.kind == LocalCreated && c.Kind == LocalDeleted:
			// Created -> Deleted is a net no-op.
			delete(byPath, c.Path)
		case h.kind == LocalMoved && c.Kind == LocalModified:
			// Moved -> Modified collapses to Moved (dirty content is
			// picked up when the move target is hashed at apply time).
		case h.kind == LocalDeleted && c.Kind == LocalCreated && c.Type != h.typ:
			// Deleted -> Created of a different type: keep BOTH, in order.
			tc := c
			h.typeChange = &tc
		default:
			h.kind = c.Kind
			h.typ = c.Type
			if c.Kind == LocalMoved {
				h.src = c.SrcPath
			}
		}
	}

	out := make([]LocalChange, 0, len(order))
	for _, p := range order {
		h, ok := byPath[p]
		if !ok {
			continue
		}
		out = append(out, LocalChange{Kind: h.kind, Path: p, Type: h.typ, SrcPath: h.src})
		if h.typeChange != nil {
			out = append(out, *h.typeChange)
		}
	}
	return out
}

// pruneLocalChildren drops any change whose path is strictly under a folder
// that itself appears as Deleted or Moved in the same batch: the folder
// operation subsumes its children.
func pruneLocalChildren(batch []LocalChange) []LocalChange {
	var subsuming []string
	for _, c := range batch {
		if c.Type == TypeFolder && (c.Kind == LocalDeleted || c.Kind == LocalMoved) {
			subsuming = append(subsuming, c.Path)
		}
	}
	if len(subsuming) == 0 {
		return batch
	}

	out := make([]LocalChange, 0, len(batch))
	for _, c := range batch {
		pruned := false
		for _, parent := range subsuming {
			if parent != c.Path && isUnder(c.Path, parent) {
				pruned = true
				break
			}
		}
		if !pruned {
			out = append(out, c)
		}
	}
	return out
}

func isUnder(path, parent string) bool {
	return strings.HasPrefix(path, parent+"/")
}

func depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

// localTieRank implements "Deleted < Folder < File" within the same effective
// depth bucket.
func localTieRank(c LocalChange) int {
	if c.Kind == LocalDeleted {
		return 0
	}
	if c.Type == TypeFolder {
		return 1
	}
	return 2
}

// sortLocalHierarchical orders creates/modifies/moves by ascending depth
// (parents before children) and deletes by descending depth (children
// before parents).
func sortLocalHierarchical(batch []LocalChange) {
	effectiveDepth := func(c LocalChange) int {
		d := depth(c.Path)
		if c.Kind == LocalDeleted {
			return -d
		}
		return d
	}
	sort.SliceStable(batch, func(i, j int) bool {
		di, dj := effectiveDepth(batch[i]), effectiveDepth(batch[j])
		if di != dj {
			return di < dj
		}
		ri, rj := localTieRank(batch[i]), localTieRank(batch[j])
		if ri != rj {
			return ri < rj
		}
		return batch[i].Path < batch[j].Path
	})
}

// NormalizeRemote filters, coalesces, synthesizes type-change deletions, and
// hierarchically sorts a raw batch of remote changes.
func NormalizeRemote(batch []RemoteChange, idx IndexReader, excluded Excluder) []RemoteChange {
	kept := make([]RemoteChange, 0, len(batch))
	for _, c := range batch {
		if excluded != nil && excluded(c.Path) {
			continue
		}
		kept = append(kept, c)
	}

	coalesced := coalesceRemote(kept)
	synthesized := synthesizeRemoteTypeChanges(coalesced, idx)
	sortRemoteHierarchical(synthesized)
	return synthesized
}

func coalesceRemote(batch []RemoteChange) []RemoteChange {
	order := make([]string, 0, len(batch))
	byPath := make(map[string]RemoteChange, len(batch))
	for _, c := range batch {
		if _, ok := byPath[c.Path]; !ok {
			order = append(order, c.Path)
		}
		byPath[c.Path] = c // last write wins: the stream is already ordered by the remote
	}
	out := make([]RemoteChange, 0, len(order))
	for _, p := range order {
		out = append(out, byPath[p])
	}
	return out
}

// synthesizeRemoteTypeChanges inserts a DeletedMeta ahead of any FileMeta/
// FolderMeta whose implied type contradicts what the Index currently has
// recorded for that path.
func synthesizeRemoteTypeChanges(batch []RemoteChange, idx IndexReader) []RemoteChange {
	if idx == nil {
		return batch
	}
	out := make([]RemoteChange, 0, len(batch)+4)
	for _, c := range batch {
		if c.Kind == RemoteDeletedMeta {
			out = append(out, c)
			continue
		}
		entry, err := idx.Get(c.Path)
		if err == nil && entry != nil && entry.Rev != nil {
			impliedFolder := c.Kind == RemoteFolderMeta
			if entry.IsFolder() != impliedFolder {
				out = append(out, RemoteChange{Kind: RemoteDeletedMeta, Path: c.Path})
			}
		}
		out = append(out, c)
	}
	return out
}

func remoteTieRank(c RemoteChange) int {
	if c.Kind == RemoteDeletedMeta {
		return 0
	}
	if c.Kind == RemoteFolderMeta {
		return 1
	}
	return 2
}

func sortRemoteHierarchical(batch []RemoteChange) {
	effectiveDepth := func(c RemoteChange) int {
		d := depth(c.Path)
		if c.Kind == RemoteDeletedMeta {
			return -d
		}
		return d
	}
	sort.SliceStable(batch, func(i, j int) bool {
		di, dj := effectiveDepth(batch[i]), effectiveDepth(batch[j])
		if di != dj {
			return di < dj
		}
		ri, rj := remoteTieRank(batch[i]), remoteTieRank(batch[j])
		if ri != rj {
			return ri < rj
		}
		return batch[i].Path < batch[j].Path
	})
}
