package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/dropsync/dropsync/internal/utils"
)

const (
	metadataDir        = ".dropsync"
	tmpSubdir          = "tmp"
	uploadSessionsDir  = "upload-sessions"
	logsSubdir         = "logs"
	lockFile           = "dropsync.lock"
	indexFile          = "index.db"
	legacyMetadataFile = ".dropsync.json"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

// Workspace owns the synced folder's on-disk layout: the metadata directory
// (index database, upload-session checkpoints, logs), the atomic-write
// staging directory, and the single-instance lock that keeps two daemons
// from racing the same Index Store file.
type Workspace struct {
	Root              string
	MetadataDir       string
	TmpDir            string
	UploadSessionsDir string
	LogsDir           string
	IndexPath         string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)
	lockFilePath := filepath.Join(meta, lockFile)

	return &Workspace{
		Root:              root,
		MetadataDir:       meta,
		TmpDir:            filepath.Join(root, tmpSubdir),
		UploadSessionsDir: filepath.Join(meta, uploadSessionsDir),
		LogsDir:           filepath.Join(meta, logsSubdir),
		IndexPath:         filepath.Join(meta, indexFile),
		flock:             flock.New(lockFilePath),
	}, nil
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates the directories the Sync Monitor
// needs before its first reconciliation pass.
func (w *Workspace) Setup() error {
	if w.isLegacyWorkspace() {
		newPath := w.Root + ".old"
		if err := os.Rename(w.Root, newPath); err != nil {
			return fmt.Errorf("failed to move legacy workspace to %s: %w", newPath, err)
		}
		slog.Warn("legacy workspace metadata detected, moved aside", "path", newPath)
	}

	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root)

	dirs := []string{w.MetadataDir, w.TmpDir, w.UploadSessionsDir, w.LogsDir}
	for _, dir := range dirs {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func (w *Workspace) isLegacyWorkspace() bool {
	return utils.FileExists(filepath.Join(w.Root, legacyMetadataFile))
}
