package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/rjeczalik/notify"
)

// RawEventKind mirrors the subset of filesystem operations the watcher
// needs to distinguish before debouncing collapses a burst into a single
// LocalChange candidate.
type RawEventKind string

const (
	RawWrite  RawEventKind = "write"
	RawCreate RawEventKind = "create"
	RawRemove RawEventKind = "remove"
	RawRename RawEventKind = "rename"
)

// RawEvent is a single filesystem notification, already mapped from the
// watch backend's event type and absolute path.
type RawEvent struct {
	Kind RawEventKind
	Path string
}

// LocalWatcher is the capability the FS Event Handler consumes; NextEvent
// blocks until an event is available or ctx is cancelled.
type LocalWatcher interface {
	NextEvent(ctx context.Context) (*RawEvent, error)
	Start(ctx context.Context) error
	Stop()
}

const (
	watcherEventBuffer     = 256
	defaultDebounceTimeout = 500 * time.Millisecond
)

// NotifyLocalWatcher wraps rjeczalik/notify with a debounce stage and an
// exclusion callback, matching the FS Event Handler's default adapter.
type NotifyLocalWatcher struct {
	rootDir  string
	debounce time.Duration
	excluded Excluder

	raw     chan notify.EventInfo
	out     chan *RawEvent
	done    chan struct{}
	wg      stdsync.WaitGroup
	started bool

	mu      stdsync.Mutex
	pending map[string]*RawEvent
	timers  map[string]*time.Timer
}

func NewNotifyLocalWatcher(rootDir string, excluded Excluder) *NotifyLocalWatcher {
	return &NotifyLocalWatcher{
		rootDir:  rootDir,
		debounce: defaultDebounceTimeout,
		excluded: excluded,
		pending:  make(map[string]*RawEvent),
		timers:   make(map[string]*time.Timer),
	}
}

func (w *NotifyLocalWatcher) SetDebounce(d time.Duration) { w.debounce = d }

func (w *NotifyLocalWatcher) Start(ctx context.Context) error {
	w.raw = make(chan notify.EventInfo, watcherEventBuffer)
	w.out = make(chan *RawEvent, watcherEventBuffer)
	w.done = make(chan struct{})

	recursive := filepath.Join(w.rootDir, "...")
	if err := notify.Watch(recursive, w.raw, notify.Write, notify.Create, notify.Remove, notify.Rename); err != nil {
		slog.Warn("local watcher recursive watch unavailable, retrying non-recursive", "dir", w.rootDir, "error", err)
		if err := notify.Watch(w.rootDir, w.raw, notify.Write, notify.Create, notify.Remove, notify.Rename); err != nil {
			return err
		}
	}
	w.started = true

	w.wg.Add(1)
	go w.filterAndDebounce(ctx)

	return nil
}

func (w *NotifyLocalWatcher) Stop() {
	if !w.started {
		return
	}
	close(w.done)
	notify.Stop(w.raw)
	w.wg.Wait()
}

// NextEvent blocks until the debounced output channel yields an event, ctx
// is cancelled, or the watcher is stopped.
func (w *NotifyLocalWatcher) NextEvent(ctx context.Context) (*RawEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e, ok := <-w.out:
		if !ok {
			return nil, context.Canceled
		}
		return e, nil
	}
}

func mapNotifyEvent(e notify.Event) RawEventKind {
	switch e {
	case notify.Create:
		return RawCreate
	case notify.Remove:
		return RawRemove
	case notify.Rename:
		return RawRename
	default:
		return RawWrite
	}
}

func isNoisePath(path string) bool {
	base := filepath.Base(path)
	switch base {
	case ".DS_Store", "desktop.ini", "Thumbs.db":
		return true
	}
	if filepath.Ext(base) == ".tmp" {
		return true
	}
	return false
}

func (w *NotifyLocalWatcher) filterAndDebounce(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			path := ev.Path()
			if isNoisePath(path) {
				continue
			}
			if w.excluded != nil && w.excluded(path) {
				continue
			}
			w.scheduleFlush(path, mapNotifyEvent(ev.Event()))
		}
	}
}

func (w *NotifyLocalWatcher) scheduleFlush(path string, kind RawEventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = &RawEvent{Kind: kind, Path: path}

	if t, exists := w.timers[path]; exists {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.flush(path) })
}

func (w *NotifyLocalWatcher) flush(path string) {
	w.mu.Lock()
	event, ok := w.pending[path]
	delete(w.pending, path)
	delete(w.timers, path)
	w.mu.Unlock()
	if !ok {
		return
	}

	select {
	case w.out <- event:
	case <-w.done:
	default:
		slog.Warn("local watcher output channel full, dropping event", "path", path)
	}
}
