package sync

import (
	"context"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"
)

// quietPeriod bounds how long FSEventHandler waits for more debounced raw
// events to arrive before handing the accumulated batch to the upload loop.
const quietPeriod = 100 * time.Millisecond

// FSEventHandler turns a LocalWatcher's debounced RawEvent stream into
// LocalChange batches the Change Normalizer can consume. It owns the
// rename-pairing heuristic: a Remove immediately followed by a Create of
// the same basename inside a short window is folded into a single Moved.
type FSEventHandler struct {
	watcher LocalWatcher
	norm    *PathNormalizer
	rootDir string

	mu      stdsync.Mutex
	pending []LocalChange
}

func NewFSEventHandler(watcher LocalWatcher, norm *PathNormalizer, rootDir string) *FSEventHandler {
	return &FSEventHandler{watcher: watcher, norm: norm, rootDir: rootDir}
}

func (h *FSEventHandler) Start(ctx context.Context) error {
	if err := h.watcher.Start(ctx); err != nil {
		return err
	}
	go h.pump(ctx)
	return nil
}

func (h *FSEventHandler) Stop() {
	h.watcher.Stop()
}

func (h *FSEventHandler) pump(ctx context.Context) {
	for {
		raw, err := h.watcher.NextEvent(ctx)
		if err != nil {
			return
		}
		change := h.toLocalChange(raw)

		h.mu.Lock()
		h.pending = appendCoalesced(h.pending, change)
		h.mu.Unlock()
	}
}

// appendCoalesced folds a trailing Deleted immediately followed by a
// Created of the same basename into a Moved, matching the watcher-level
// rename heuristic the local FS event stream needs (raw notify rename
// events arrive as a remove/create pair on most backends).
func appendCoalesced(batch []LocalChange, c LocalChange) []LocalChange {
	if len(batch) > 0 && c.Kind == LocalCreated {
		last := batch[len(batch)-1]
		if last.Kind == LocalDeleted && filepath.Base(last.Path) == filepath.Base(c.Path) && last.Path != c.Path {
			batch[len(batch)-1] = LocalChange{Kind: LocalMoved, Path: c.Path, Type: c.Type, SrcPath: last.Path}
			return batch
		}
	}
	return append(batch, c)
}

func (h *FSEventHandler) toLocalChange(raw *RawEvent) LocalChange {
	rel, err := filepath.Rel(h.rootDir, raw.Path)
	if err != nil {
		rel = raw.Path
	}
	canonical := h.norm.Canonical(rel)

	info, statErr := os.Stat(raw.Path)
	switch {
	case raw.Kind == RawRemove, statErr != nil:
		return LocalChange{Kind: LocalDeleted, Path: canonical}
	case raw.Kind == RawCreate:
		return LocalChange{Kind: LocalCreated, Path: canonical, Type: itemTypeOf(info)}
	default:
		return LocalChange{Kind: LocalModified, Path: canonical, Type: itemTypeOf(info)}
	}
}

func itemTypeOf(info os.FileInfo) ItemType {
	if info != nil && info.IsDir() {
		return TypeFolder
	}
	return TypeFile
}

// WaitForLocalChanges blocks until at least one local change has been
// observed, then drains everything accumulated during the subsequent quiet
// period so the upload loop can normalize a whole batch at once.
func (h *FSEventHandler) WaitForLocalChanges(ctx context.Context) ([]LocalChange, error) {
	for {
		h.mu.Lock()
		have := len(h.pending) > 0
		h.mu.Unlock()
		if have {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(quietPeriod):
	}

	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()
	return batch, nil
}
