package sync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"
)

var (
	ErrUploadNotFound = errors.New("upload session not found")
	ErrUploadActive   = errors.New("upload session already active")
)

type UploadState string

const (
	UploadStatePending   UploadState = "pending"
	UploadStateUploading UploadState = "uploading"
	UploadStatePaused    UploadState = "paused"
	UploadStateCompleted UploadState = "completed"
	UploadStateError     UploadState = "error"
)

const uploadSessionsDirName = "upload-sessions"

// UploadInfo is an upload session's persisted progress record. UploadedBytes
// holds whatever offset UpdateProgress last recorded; the upload path does
// not read it, so an upload always sends the file from byte zero.
type UploadInfo struct {
	ID            string      `json:"id"`
	Path          string      `json:"path"`
	State         UploadState `json:"state"`
	Size          int64       `json:"size"`
	UploadedBytes int64       `json:"uploadedBytes"`
	Progress      float64     `json:"progress"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"startedAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

type uploadSessionEntry struct {
	info   *UploadInfo
	cancel context.CancelFunc
	mu     stdsync.RWMutex
}

// UploadRegistry tracks in-flight and paused upload sessions keyed by
// canonical path, and persists each session's progress record to disk. A
// record reloaded after a restart does not make the next upload resume
// part-way; that upload starts from byte zero.
type UploadRegistry struct {
	sessionDir string

	mu    stdsync.RWMutex
	byID  map[string]*uploadSessionEntry
	byPath map[string]string
}

func NewUploadRegistry(sessionDir string) *UploadRegistry {
	return &UploadRegistry{
		sessionDir: sessionDir,
		byID:       make(map[string]*uploadSessionEntry),
		byPath:     make(map[string]string),
	}
}

func uploadSessionID(path string) string {
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// TryRegister starts (or resumes) a session for path. alreadyActive is true
// if a session for this path is already uploading, in which case ctx/cancel
// are nil and the caller must not start a second upload goroutine.
func (r *UploadRegistry) TryRegister(path string, size int64) (info *UploadInfo, ctx context.Context, cancel context.CancelFunc, alreadyActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uploadSessionID(path)

	if existing, ok := r.byID[id]; ok {
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.info.State == UploadStateUploading {
			return existing.info, nil, nil, true
		}
		c, cancelFn := context.WithCancel(context.Background())
		existing.cancel = cancelFn
		existing.info.State = UploadStateUploading
		existing.info.UpdatedAt = time.Now()
		return existing.info, c, cancelFn, false
	}

	c, cancelFn := context.WithCancel(context.Background())
	newInfo := &UploadInfo{
		ID:        id,
		Path:      path,
		State:     UploadStateUploading,
		Size:      size,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.byID[id] = &uploadSessionEntry{info: newInfo, cancel: cancelFn}
	r.byPath[path] = id
	return newInfo, c, cancelFn, false
}

func (r *UploadRegistry) UpdateProgress(id string, uploadedBytes int64) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.info.UploadedBytes = uploadedBytes
	if entry.info.Size > 0 {
		entry.info.Progress = float64(uploadedBytes) / float64(entry.info.Size) * 100
	}
	entry.info.UpdatedAt = time.Now()
	r.persist(entry.info)
}

func (r *UploadRegistry) SetCompleted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[id]
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.info.State = UploadStateCompleted
	entry.info.Progress = 100
	entry.info.UploadedBytes = entry.info.Size
	entry.info.UpdatedAt = time.Now()
	path := entry.info.Path
	entry.mu.Unlock()

	delete(r.byID, id)
	delete(r.byPath, path)
	r.removeSessionFile(id)
}

func (r *UploadRegistry) SetError(id string, err error) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.info.State = UploadStateError
	if err != nil {
		entry.info.Error = err.Error()
	}
	entry.info.UpdatedAt = time.Now()
	r.persist(entry.info)
}

func (r *UploadRegistry) SetPaused(id string) {
	r.mu.RLock()
	entry, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.info.State = UploadStatePaused
	entry.info.UpdatedAt = time.Now()
	r.persist(entry.info)
}

func (r *UploadRegistry) Get(path string) (*UploadInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPath[path]
	if !ok {
		return nil, false
	}
	entry := r.byID[id]
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	cp := *entry.info
	return &cp, true
}

// persist must be called with entry.mu held by the caller.
func (r *UploadRegistry) persist(info *UploadInfo) {
	if r.sessionDir == "" {
		return
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = os.MkdirAll(r.sessionDir, 0o755)
	_ = os.WriteFile(filepath.Join(r.sessionDir, info.ID+".json"), data, 0o644)
}

func (r *UploadRegistry) removeSessionFile(id string) {
	if r.sessionDir == "" {
		return
	}
	_ = os.Remove(filepath.Join(r.sessionDir, id+".json"))
}

// LoadFromDisk repopulates persisted sessions from sessionDir, marking each
// one paused.
func (r *UploadRegistry) LoadFromDisk() error {
	if r.sessionDir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.sessionDir, de.Name()))
		if err != nil {
			continue
		}
		var info UploadInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		if info.Path == "" {
			continue
		}
		info.State = UploadStatePaused
		r.byID[info.ID] = &uploadSessionEntry{info: &info}
		r.byPath[info.Path] = info.ID
	}
	return nil
}

// CleanupStale removes persisted sessions whose last update is older than
// maxAge and that are not currently uploading, so a long-lived daemon never
// accumulates abandoned session files.
func (r *UploadRegistry) CleanupStale(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	for id, entry := range r.byID {
		entry.mu.RLock()
		stale := entry.info.State != UploadStateUploading && entry.info.UpdatedAt.Before(cutoff)
		path := entry.info.Path
		entry.mu.RUnlock()
		if stale {
			delete(r.byID, id)
			delete(r.byPath, path)
			r.removeSessionFile(id)
		}
	}
}

func (r *UploadRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.byID {
		if entry.cancel != nil {
			entry.cancel()
		}
	}
	r.byID = make(map[string]*uploadSessionEntry)
	r.byPath = make(map[string]string)
}
