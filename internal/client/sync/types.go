package sync

import "time"

// ItemType distinguishes a file from a folder across the data model.
type ItemType string

const (
	TypeFile   ItemType = "file"
	TypeFolder ItemType = "folder"
)

// FolderHash is the sentinel content hash / rev value used for folders.
const FolderHash = "folder"

// IndexEntry is the Index Store's unit of record: the last-known-synced
// state for a single canonical local path. Rev == nil means "deleted or
// never synced". ContentHash is always FolderHash for folders and nil for
// deleted entries.
type IndexEntry struct {
	LocalPath      string
	ItemType       ItemType
	Rev            *string
	ContentHash    *string
	LastSyncUnixMs int64
}

func (e *IndexEntry) IsFolder() bool { return e != nil && e.ItemType == TypeFolder }

func (e *IndexEntry) RevOrEmpty() string {
	if e == nil || e.Rev == nil {
		return ""
	}
	return *e.Rev
}

// LocalChangeKind tags the four variants a raw FS event stream can produce
// after debouncing.
type LocalChangeKind string

const (
	LocalCreated  LocalChangeKind = "created"
	LocalDeleted  LocalChangeKind = "deleted"
	LocalModified LocalChangeKind = "modified"
	LocalMoved    LocalChangeKind = "moved"
)

// LocalChange is the FS Event Handler's output unit. SrcPath is only set for
// LocalMoved.
type LocalChange struct {
	Kind    LocalChangeKind
	Path    string
	Type    ItemType
	SrcPath string
}

// RemoteChangeKind tags the three variants the remote delta stream can
// produce for a single path.
type RemoteChangeKind string

const (
	RemoteDeletedMeta RemoteChangeKind = "deleted_meta"
	RemoteFolderMeta  RemoteChangeKind = "folder_meta"
	RemoteFileMeta    RemoteChangeKind = "file_meta"
)

// RemoteChange is the Remote Change Fetcher's output unit.
type RemoteChange struct {
	Kind           RemoteChangeKind
	Path           string
	Rev            string
	ContentHash    string
	ServerModified time.Time
}

// SyncActionKind is the Conflict Resolver's verdict for a single change.
type SyncActionKind string

const (
	ActionApply             SyncActionKind = "apply"
	ActionSkip              SyncActionKind = "skip"
	ActionRenameTarget       SyncActionKind = "rename_target"
	ActionCreateConflictCopy SyncActionKind = "create_conflict_copy"
)

// SyncAction is the resolved outcome attached to an originating change.
// Change holds either a LocalChange or a RemoteChange depending on
// direction; callers type-switch on it.
type SyncAction struct {
	Kind    SyncActionKind
	NewName string
	Change  any
	// IndexUpdate is set when a Skip still needs to advance the Index Store
	// to a newer rev/hash without touching the local file (conflict
	// resolver download rule 3: content already matches, just re-point).
	IndexUpdate *IndexEntry
}

// Cursor is an opaque token identifying a position in the remote delta
// stream; persisted in the Index Store under the reserved key __cursor__.
type Cursor string

// Direction distinguishes the upload and download pipelines, used for
// error escalation and status reporting.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)
