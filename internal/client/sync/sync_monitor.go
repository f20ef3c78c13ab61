package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"
)

// MonitorConfig is the Sync Monitor's tunable schedule. Zero values fall
// back to sensible defaults.
type MonitorConfig struct {
	WorkerPoolSize      int
	MaintenanceInterval time.Duration // default 1h
	PauseResyncThreshold time.Duration // default 24h
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 6
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Hour
	}
	if c.PauseResyncThreshold <= 0 {
		c.PauseResyncThreshold = 24 * time.Hour
	}
	return c
}

var ErrMonitorTransitionInvalid = errors.New("sync monitor: invalid state transition")

// SyncMonitor is the lifecycle and scheduling supervisor: it owns the
// download loop, the upload loop, the maintenance loop, and the
// Starting-state reconciliation pass.
type SyncMonitor struct {
	cfg MonitorConfig

	rootDir  string
	idx      *IndexStore
	remote   RemoteClient
	watcher  *FSEventHandler
	excluded Excluder
	resolver *ConflictResolver
	recon    *Reconciler
	pool     *WorkerPool
	notifier Notifier

	download *DownloadApplier
	upload   *UploadApplier

	mu       stdsync.Mutex
	state    MonitorState
	pausedAt time.Time

	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	haltMu         stdsync.Mutex
	haltedDownload bool
	haltedUpload   bool
}

func NewSyncMonitor(
	cfg MonitorConfig,
	rootDir string,
	norm *PathNormalizer,
	idx *IndexStore,
	remote RemoteClient,
	watcher *FSEventHandler,
	excluded Excluder,
	selective Excluder,
	resolver *ConflictResolver,
	recon *Reconciler,
	notifier Notifier,
	registry *UploadRegistry,
) *SyncMonitor {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	pool := NewWorkerPool(cfg.WorkerPoolSize, idx, notifier, rootDir)
	combinedExcluded := func(path string) bool {
		return (excluded != nil && excluded(path)) || (selective != nil && selective(path))
	}
	return &SyncMonitor{
		cfg:       cfg,
		rootDir:   rootDir,
		idx:       idx,
		remote:    remote,
		watcher:   watcher,
		excluded:  combinedExcluded,
		resolver:  resolver,
		recon:     recon,
		pool:      pool,
		notifier:  notifier,
		download:  NewDownloadApplier(rootDir, norm, remote),
		upload:    NewUploadApplier(rootDir, norm, idx, remote, registry),
		state:     StateStopped,
	}
}

func (m *SyncMonitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *SyncMonitor) transition(to MonitorState) error {
	m.mu.Lock()
	from := m.state
	if !canTransition(from, to) {
		m.mu.Unlock()
		return ErrMonitorTransitionInvalid
	}
	m.state = to
	m.mu.Unlock()
	m.notifier.OnStateChange(from, to)
	return nil
}

// Start runs the Starting reconciliation pass, then launches the three
// Syncing loops as independent long-lived goroutines.
func (m *SyncMonitor) Start(ctx context.Context) error {
	if err := m.transition(StateStarting); err != nil {
		return err
	}

	if err := m.reconcileAndApply(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("sync monitor: startup reconciliation failed", "error", err)
	}

	if err := m.watcher.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.transition(StateSyncing); err != nil {
		cancel()
		return err
	}

	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.downloadLoop(runCtx) }()
	go func() { defer m.wg.Done(); m.uploadLoop(runCtx) }()
	go func() { defer m.wg.Done(); m.maintenanceLoop(runCtx) }()

	return nil
}

// Stop transitions through Stopping, draining in-flight work before
// returning, then settles at Stopped.
func (m *SyncMonitor) Stop() error {
	from := m.State()
	if from == StateStopped {
		return nil
	}
	if err := m.transition(StateStopping); err != nil {
		return err
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.watcher.Stop()
	return m.transition(StateStopped)
}

// Pause stops initiation of new batches; in-flight tasks already dispatched
// by the worker pool are allowed to complete.
func (m *SyncMonitor) Pause() error {
	if err := m.transition(StatePaused); err != nil {
		return err
	}
	m.mu.Lock()
	m.pausedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Resume continues from the persisted cursor. If the pause exceeded
// PauseResyncThreshold, a fresh reconciliation pass runs first.
func (m *SyncMonitor) Resume(ctx context.Context) error {
	m.mu.Lock()
	pausedFor := time.Since(m.pausedAt)
	m.mu.Unlock()

	if pausedFor > m.cfg.PauseResyncThreshold {
		if err := m.reconcileAndApply(ctx); err != nil {
			slog.Error("sync monitor: resume reconciliation failed", "error", err)
		}
	}
	return m.transition(StateSyncing)
}

func (m *SyncMonitor) isPaused() bool {
	return m.State() == StatePaused
}

// reconcileAndApply runs the local and remote reconciliation scans and
// drives their synthesized changes through the normal resolve/apply path.
func (m *SyncMonitor) reconcileAndApply(ctx context.Context) error {
	localChanges, err := m.recon.ReconcileLocal()
	if err != nil {
		return err
	}
	if len(localChanges) > 0 {
		if err := m.runUploadBatch(ctx, localChanges); err != nil && !errors.Is(err, ErrDirectionHalted) {
			return err
		}
	}

	remoteChanges, next, err := m.recon.ReconcileRemote(ctx)
	if err != nil {
		return err
	}
	if len(remoteChanges) > 0 {
		if err := m.runDownloadBatch(ctx, remoteChanges, next); err != nil &&
			!errors.Is(err, ErrDirectionHalted) && !errors.Is(err, ErrRemoteResyncNeeded) {
			return err
		}
	}
	return nil
}

// downloadLoop blocks on the remote long-poll, then fetches, resolves,
// applies, advances the cursor, and notifies for each batch of changes.
func (m *SyncMonitor) downloadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if m.isPaused() || m.isHalted(DirectionDownload) {
			if !sleepOrDone(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		cursor, err := m.idx.GetCursor()
		if err != nil {
			slog.Error("sync monitor: read cursor failed", "error", err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		if err := m.remote.WaitForChanges(ctx, cursor); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("sync monitor: wait for remote changes failed", "error", err)
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		changes, next, reset, err := m.remote.ListChanges(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("sync monitor: list changes failed", "error", err)
			continue
		}
		if reset {
			changes, next, err = m.recon.fullRelist(ctx)
			if err != nil {
				slog.Error("sync monitor: full re-list after cursor reset failed", "error", err)
				continue
			}
		}

		if err := m.runDownloadBatch(ctx, changes, next); err != nil {
			switch {
			case errors.Is(err, ErrDirectionHalted):
				m.setHalted(DirectionDownload, true)
				m.notifier.OnError(string(ErrServerError), "", "download direction halted")
			case errors.Is(err, ErrRemoteResyncNeeded):
				slog.Warn("sync monitor: remote item vanished mid-download, forcing full re-list")
				relisted, relistedNext, relistErr := m.recon.fullRelist(ctx)
				if relistErr != nil {
					slog.Error("sync monitor: full re-list after vanished download failed", "error", relistErr)
				} else if err := m.runDownloadBatch(ctx, relisted, relistedNext); err != nil && ctx.Err() == nil {
					slog.Error("sync monitor: full re-list download batch failed", "error", err)
				}
			case ctx.Err() == nil:
				slog.Error("sync monitor: download batch failed", "error", err)
			}
		}
	}
}

// uploadLoop blocks on the local file-system event queue, then normalizes,
// resolves, and applies each batch.
func (m *SyncMonitor) uploadLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if m.isPaused() || m.isHalted(DirectionUpload) {
			if !sleepOrDone(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}

		batch, err := m.watcher.WaitForLocalChanges(ctx)
		if err != nil {
			return
		}
		if len(batch) == 0 {
			continue
		}

		if err := m.runUploadBatch(ctx, batch); err != nil {
			if errors.Is(err, ErrDirectionHalted) {
				m.setHalted(DirectionUpload, true)
				m.notifier.OnError(string(ErrPermissionDenied), "", "upload direction halted")
			} else if ctx.Err() == nil {
				slog.Error("sync monitor: upload batch failed", "error", err)
			}
		}
	}
}

// maintenanceLoop runs the periodic reconciliation sweep, records its time
// and clears both halted directions.
func (m *SyncMonitor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.isPaused() {
				continue
			}
			if err := m.reconcileAndApply(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sync monitor: maintenance reconciliation failed", "error", err)
			}
			if err := m.idx.SetLastReconcile(time.Now().UnixMilli()); err != nil {
				slog.Error("sync monitor: persist last reconcile time failed", "error", err)
			}
			m.setHalted(DirectionDownload, false)
			m.setHalted(DirectionUpload, false)
		}
	}
}

func (m *SyncMonitor) runDownloadBatch(ctx context.Context, changes []RemoteChange, next Cursor) error {
	normalized := NormalizeRemote(changes, m.idx, m.excluded)
	scheduled := ScheduleRemote(normalized)

	actions := make([]SyncAction, 0, len(scheduled))
	for _, c := range scheduled {
		action, err := m.resolver.ResolveDownload(ctx, c)
		if err != nil {
			return err
		}
		actions = append(actions, action)
	}

	err := m.pool.RunBatch(ctx, DirectionDownload, actions, m.download.Apply, func(tx *Txn) error {
		return tx.SetCursor(next)
	})
	if err == nil {
		m.notifier.OnBatchApplied(string(DirectionDownload), len(actions), "")
	}
	return err
}

func (m *SyncMonitor) runUploadBatch(ctx context.Context, batch []LocalChange) error {
	normalized := NormalizeLocal(batch, m.excluded)
	scheduled := ScheduleLocal(m.rootDir, normalized, func(string) bool { return false })

	actions := make([]SyncAction, 0, len(scheduled))
	for _, c := range scheduled {
		action, err := m.resolver.ResolveUpload(ctx, c)
		if err != nil {
			return err
		}
		actions = append(actions, action)
	}

	err := m.pool.RunBatch(ctx, DirectionUpload, actions, m.upload.Apply, nil)
	if err == nil {
		m.notifier.OnBatchApplied(string(DirectionUpload), len(actions), "")
	}
	return err
}

func (m *SyncMonitor) isHalted(dir Direction) bool {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	if dir == DirectionDownload {
		return m.haltedDownload
	}
	return m.haltedUpload
}

func (m *SyncMonitor) setHalted(dir Direction, halted bool) {
	m.haltMu.Lock()
	defer m.haltMu.Unlock()
	if dir == DirectionDownload {
		m.haltedDownload = halted
	} else {
		m.haltedUpload = halted
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
