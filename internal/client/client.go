package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dropsync/dropsync/internal/client/config"
	"github.com/dropsync/dropsync/internal/client/sync"
	"github.com/dropsync/dropsync/internal/client/workspace"
)

// Client owns one synced workspace end to end: the on-disk layout, the
// index database, the remote connection, and the Sync Monitor that drives
// the download/upload/maintenance loops.
type Client struct {
	ws       *workspace.Workspace
	idx      *sync.IndexStore
	remote   *sync.HTTPRemoteClient
	registry *sync.UploadRegistry
	status   *sync.StatusTracker
	monitor  *sync.SyncMonitor
}

func New(cfg *config.Config) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if err := ws.Setup(); err != nil {
		return nil, fmt.Errorf("failed to set up workspace: %w", err)
	}

	idx, err := sync.OpenIndexStore(ws.IndexPath)
	if err != nil {
		ws.Unlock()
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}

	remote := sync.NewHTTPRemoteClient(sync.HTTPRemoteClientConfig{
		BaseURL:     cfg.ServerURL,
		WSURL:       deriveWSURL(cfg.ServerURL),
		Email:       cfg.Email,
		AccessToken: cfg.AccessToken,
	})

	norm := sync.NewPathNormalizer(cfg.CaseSensitiveHost)

	ignore := sync.NewIgnoreList(ws.Root)
	ignore.Load()
	selective := sync.NewSelectiveSyncExcluder(nil)
	excluded := func(path string) bool {
		return ignore.ShouldIgnore(path) || selective(path)
	}

	watcher := sync.NewNotifyLocalWatcher(ws.Root, excluded)
	fsHandler := sync.NewFSEventHandler(watcher, norm, ws.Root)

	resolver := sync.NewConflictResolver(norm, idx, remote, ws.Root, selective)
	recon := sync.NewReconciler(ws.Root, norm, idx, remote, excluded)

	registry := sync.NewUploadRegistry(ws.UploadSessionsDir)
	if err := registry.LoadFromDisk(); err != nil {
		slog.Warn("failed to load upload sessions from disk", "error", err)
	}

	status := sync.NewStatusTracker()

	monitor := sync.NewSyncMonitor(
		sync.MonitorConfig{
			WorkerPoolSize:       cfg.WorkerPoolSize,
			MaintenanceInterval:  time.Duration(cfg.MaintenanceInterval) * time.Second,
			PauseResyncThreshold: time.Duration(cfg.PauseResetThreshold) * time.Second,
		},
		ws.Root,
		norm,
		idx,
		remote,
		fsHandler,
		ignore.ShouldIgnore,
		selective,
		resolver,
		recon,
		status,
		registry,
	)

	return &Client{
		ws:       ws,
		idx:      idx,
		remote:   remote,
		registry: registry,
		status:   status,
		monitor:  monitor,
	}, nil
}

func (c *Client) Start(ctx context.Context) error {
	if err := c.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync monitor: %w", err)
	}

	<-ctx.Done()
	slog.Info("received interrupt signal, stopping client")
	return c.Stop()
}

func (c *Client) Stop() error {
	if err := c.monitor.Stop(); err != nil {
		slog.Error("failed to stop sync monitor", "error", err)
	}
	c.registry.Close()
	c.status.Close()
	c.remote.Close()

	if err := c.idx.Close(); err != nil {
		slog.Error("failed to close index store", "error", err)
	}
	return c.ws.Unlock()
}

// deriveWSURL turns the configured HTTP(S) server URL into the websocket
// URL for the push-notification fast path; http/https map to ws/wss.
func deriveWSURL(serverURL string) string {
	wsURL := serverURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	default:
		return ""
	}
	return strings.TrimSuffix(wsURL, "/") + "/api/v1/sync/ws"
}
