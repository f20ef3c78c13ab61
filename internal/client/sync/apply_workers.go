package sync

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	stdsync "sync"
	"time"
)

// RetryConfig is the exponential backoff schedule for transient failures.
type RetryConfig struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64 // fraction of the computed delay to randomize, e.g. 0.2 = ±20%
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.2,
	}
}

func (r RetryConfig) delayFor(attempt int) time.Duration {
	d := float64(r.BaseDelay) * math.Pow(r.Factor, float64(attempt))
	if d > float64(r.MaxDelay) {
		d = float64(r.MaxDelay)
	}
	jitter := d * r.Jitter * (2*rand.Float64() - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// ApplyFunc executes a single resolved action against the local FS or
// remote client and returns the IndexEntry to persist on success.
type ApplyFunc func(ctx context.Context, action SyncAction) (*IndexEntry, error)

// WorkerPool runs a normalized, scheduled batch of actions: same-depth file
// actions dispatch in parallel up to Size concurrent tasks, while deletions
// and folder operations at that depth are serialized.
type WorkerPool struct {
	Size     int
	Retry    RetryConfig
	Idx      *IndexStore
	Inflight *inflightSet
	Notifier Notifier
	RootDir  string
}

func NewWorkerPool(size int, idx *IndexStore, notifier Notifier, rootDir string) *WorkerPool {
	if size <= 0 {
		size = 6
	}
	return &WorkerPool{
		Size:     size,
		Retry:    DefaultRetryConfig(),
		Idx:      idx,
		Inflight: newInflightSet(),
		Notifier: notifier,
		RootDir:  rootDir,
	}
}

// ErrDirectionHalted signals that a permanent failure requires the Sync
// Monitor to stop dispatching further batches for this direction.
var ErrDirectionHalted = errors.New("sync: direction halted by permanent failure")

// ErrRemoteResyncNeeded signals that a single download action's remote state
// could not be trusted (the server reported NotFound for a path the cursor
// said should exist) and the Sync Monitor should fall back to a full
// remote re-list rather than advancing the cursor past this batch.
var ErrRemoteResyncNeeded = errors.New("sync: remote state requires full re-list")

// ErrPathBusy signals that a path was already claimed by another in-flight
// operation; the action was not attempted and must be retried rather than
// treated as durably applied or skipped.
var ErrPathBusy = errors.New("sync: path already claimed by another in-flight operation")

// RunBatch applies a hierarchically-sorted, priority-scheduled batch of
// actions. Every successful action's index mutation, plus cursorAdvance (if
// given), lands in a single transaction committed once the whole batch has
// finished, so the cursor never advances past an action that did not
// durably persist its index entry.
func (p *WorkerPool) RunBatch(ctx context.Context, direction Direction, actions []SyncAction, apply ApplyFunc, cursorAdvance func(*Txn) error) error {
	var halted error
	var incomplete bool
	var mu stdsync.Mutex
	var entries []*IndexEntry

	collect := func(e *IndexEntry) {
		if e == nil {
			return
		}
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	}

	for _, run := range groupActionsByDepth(actions) {
		serial, parallel := partitionRun(run)

		for _, a := range serial {
			entry, err := p.runOne(ctx, direction, a, apply)
			collect(entry)
			switch {
			case err != nil && (errors.Is(err, ErrDirectionHalted) || errors.Is(err, ErrRemoteResyncNeeded)):
				halted = err
			case err != nil && errors.Is(err, ErrPathBusy):
				incomplete = true
			}
		}

		entriesFromParallel, err, busy := p.runParallel(ctx, direction, parallel, apply)
		for _, e := range entriesFromParallel {
			collect(e)
		}
		if err != nil {
			halted = err
		}
		if busy {
			incomplete = true
		}

		if halted != nil {
			break
		}
	}

	if p.Idx == nil || (len(entries) == 0 && cursorAdvance == nil) {
		return halted
	}

	commitErr := p.Idx.Transaction(func(tx *Txn) error {
		for _, e := range entries {
			if err := tx.Put(e); err != nil {
				return err
			}
		}
		// A batch with a busy-claimed path did not fully apply: withhold the
		// cursor advance so the next reconciliation pass re-derives and
		// retries whatever this batch could not durably finish.
		if halted == nil && cursorAdvance != nil && !incomplete {
			return cursorAdvance(tx)
		}
		return nil
	})
	if commitErr != nil {
		return commitErr
	}

	return halted
}

func (p *WorkerPool) runParallel(ctx context.Context, direction Direction, batch []SyncAction, apply ApplyFunc) ([]*IndexEntry, error, bool) {
	if len(batch) == 0 {
		return nil, nil, false
	}
	sem := make(chan struct{}, p.Size)
	type result struct {
		entry *IndexEntry
		err   error
	}
	resCh := make(chan result, len(batch))
	var wg stdsync.WaitGroup

	for _, a := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(action SyncAction) {
			defer wg.Done()
			defer func() { <-sem }()
			entry, err := p.runOne(ctx, direction, action, apply)
			resCh <- result{entry: entry, err: err}
		}(a)
	}
	wg.Wait()
	close(resCh)

	var halted error
	var incomplete bool
	var entries []*IndexEntry
	for r := range resCh {
		if r.entry != nil {
			entries = append(entries, r.entry)
		}
		switch {
		case r.err != nil && (errors.Is(r.err, ErrDirectionHalted) || errors.Is(r.err, ErrRemoteResyncNeeded)):
			halted = r.err
		case r.err != nil && errors.Is(r.err, ErrPathBusy):
			incomplete = true
		}
	}
	return entries, halted, incomplete
}

// runOne executes action with retry/backoff and returns the IndexEntry to
// persist on success. The entry is returned to the caller rather than
// written immediately so the whole batch commits atomically with the
// cursor advance.
func (p *WorkerPool) runOne(ctx context.Context, direction Direction, action SyncAction, apply ApplyFunc) (*IndexEntry, error) {
	path := actionPath(action)

	if !p.Inflight.TryClaim(path) {
		return nil, ErrPathBusy
	}
	defer p.Inflight.Release(path)

	var lastErr error
	for attempt := 0; attempt < p.Retry.MaxAttempts; attempt++ {
		entry, err := apply(ctx, action)
		if err == nil {
			return entry, nil
		}
		lastErr = err

		re, _ := AsRemoteError(err)
		kind := ErrorKind("")
		if re != nil {
			kind = re.Kind
		}

		if kind == ErrNotFound {
			if entry, handled := resolveNotFound(direction, action, path); handled {
				return entry, nil
			}
			if direction == DirectionDownload {
				if p.Notifier != nil {
					p.Notifier.OnError(string(kind), path, err.Error())
				}
				return nil, ErrRemoteResyncNeeded
			}
		}

		switch errorPolicy(kind) {
		case PolicyRetry:
			if attempt == p.Retry.MaxAttempts-1 {
				continue // let the loop end; escalate below
			}
			delay := p.Retry.delayFor(attempt)
			if re != nil && re.RetryAfter > 0 {
				delay = time.Duration(re.RetryAfter) * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		case PolicySkip, PolicyDrop:
			return nil, nil
		case PolicyHaltUpload:
			if direction == DirectionUpload {
				if marked, markErr := MarkRejected(filepath.Join(p.RootDir, filepath.FromSlash(path))); markErr != nil {
					slog.Warn("sync: failed to mark rejected file", "path", path, "error", markErr)
				} else {
					slog.Warn("sync: upload permanently rejected, marked local file", "path", path, "marked", marked)
				}
			}
			if p.Notifier != nil {
				p.Notifier.OnError(string(kind), path, err.Error())
			}
			return nil, ErrDirectionHalted
		case PolicyResync, PolicyHaltAll, PolicyPauseAuth:
			if p.Notifier != nil {
				p.Notifier.OnError(string(kind), path, err.Error())
			}
			return nil, ErrDirectionHalted
		}
	}

	if p.Notifier != nil {
		p.Notifier.OnError(string(ErrTempIO), path, lastErr.Error())
	}
	return nil, ErrDirectionHalted
}

// resolveNotFound special-cases a NotFound that errorPolicy's generic table
// cannot: the same kind means something different for a delete (the remote
// copy is already gone, so the delete is idempotently satisfied) than for a
// download (the remote copy vanished between listing and fetching it, and
// the cursor's view of the world can no longer be trusted). It returns the
// IndexEntry to persist and whether the caller is done with this action.
func resolveNotFound(direction Direction, action SyncAction, path string) (*IndexEntry, bool) {
	if direction != DirectionUpload {
		return nil, false
	}
	lc, ok := action.Change.(LocalChange)
	if !ok || lc.Kind != LocalDeleted {
		return nil, false
	}
	return &IndexEntry{LocalPath: path, LastSyncUnixMs: nowUnixMs()}, true
}

// actionPath extracts the canonical path an action targets, regardless of
// direction.
func actionPath(a SyncAction) string {
	switch c := a.Change.(type) {
	case LocalChange:
		return c.Path
	case RemoteChange:
		return c.Path
	default:
		return ""
	}
}

func actionDepth(a SyncAction) int {
	switch c := a.Change.(type) {
	case LocalChange:
		return localEffectiveDepth(c)
	case RemoteChange:
		return remoteEffectiveDepth(c)
	default:
		return 0
	}
}

// actionIsSerial reports whether an action must be serialized within its
// depth level: deletions and folder operations.
func actionIsSerial(a SyncAction) bool {
	switch c := a.Change.(type) {
	case LocalChange:
		return c.Kind == LocalDeleted || c.Type == TypeFolder
	case RemoteChange:
		return c.Kind == RemoteDeletedMeta || c.Kind == RemoteFolderMeta
	default:
		return true
	}
}

func groupActionsByDepth(batch []SyncAction) [][]SyncAction {
	var runs [][]SyncAction
	var cur []SyncAction
	var curDepth int
	for i, a := range batch {
		d := actionDepth(a)
		if i == 0 || d != curDepth {
			if len(cur) > 0 {
				runs = append(runs, cur)
			}
			cur = nil
			curDepth = d
		}
		cur = append(cur, a)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

func partitionRun(run []SyncAction) (serial, parallel []SyncAction) {
	for _, a := range run {
		if actionIsSerial(a) {
			serial = append(serial, a)
		} else {
			parallel = append(parallel, a)
		}
	}
	return serial, parallel
}
