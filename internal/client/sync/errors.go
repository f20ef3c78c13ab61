package sync

import "errors"

// ErrorKind classifies failures surfaced by the RemoteClient and local I/O so
// the Apply Workers and Sync Monitor can dispatch a single retry/escalation
// policy instead of pattern-matching on error strings.
type ErrorKind string

const (
	ErrNetwork          ErrorKind = "network"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrTempIO           ErrorKind = "temp_io"
	ErrConflict         ErrorKind = "conflict"
	ErrNotFound         ErrorKind = "not_found"
	ErrAuthExpired      ErrorKind = "auth_expired"
	ErrInsufficientQuota ErrorKind = "insufficient_quota"
	ErrPermissionDenied ErrorKind = "permission_denied"
	ErrServerError       ErrorKind = "server_error"
	ErrStorageCorrupt    ErrorKind = "storage_corrupt"
	ErrStorageIO         ErrorKind = "storage_io"
	ErrVanished          ErrorKind = "vanished"
	ErrCursorReset       ErrorKind = "cursor_reset"
)

// Policy tells a caller how to react to a classified failure.
type Policy int

const (
	// PolicyRetry means back off and try the same action again.
	PolicyRetry Policy = iota
	// PolicySkip means treat the action as complete (idempotent no-op).
	PolicySkip
	// PolicyResync means discard local assumptions and re-fetch state.
	PolicyResync
	// PolicyHaltUpload halts only the upload direction.
	PolicyHaltUpload
	// PolicyHaltAll halts both directions and requires external recovery.
	PolicyHaltAll
	// PolicyPauseAuth halts both directions pending re-authentication.
	PolicyPauseAuth
	// PolicyDrop means discard the event outright; reconciliation will catch residue.
	PolicyDrop
)

// errorPolicy implements the table in the sync engine's error handling design:
// transient errors retry, idempotent deletes skip, quota/permission failures
// halt uploads only, corruption halts everything.
func errorPolicy(kind ErrorKind) Policy {
	switch kind {
	case ErrNetwork, ErrRateLimited, ErrTempIO:
		return PolicyRetry
	case ErrConflict:
		return PolicySkip
	case ErrNotFound:
		// Generic fallback for a NotFound that isn't a delete or a download:
		// runOne special-cases those two operations before ever consulting
		// this table, since the same kind needs opposite handling for each.
		return PolicySkip
	case ErrAuthExpired:
		return PolicyPauseAuth
	case ErrInsufficientQuota, ErrPermissionDenied:
		return PolicyHaltUpload
	case ErrStorageCorrupt:
		return PolicyHaltAll
	case ErrVanished:
		return PolicyDrop
	case ErrCursorReset:
		return PolicyResync
	default:
		return PolicyRetry
	}
}

// RemoteError is the classified error shape RemoteClient implementations
// return so callers never need to inspect transport-specific error types.
type RemoteError struct {
	Kind       ErrorKind
	Rev        string // set when Kind == ErrConflict
	RetryAfter int    // seconds, set when Kind == ErrRateLimited
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *RemoteError) Unwrap() error { return e.Err }

func AsRemoteError(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// ErrVanishedFile is returned by the Hasher when the file disappears mid-read.
var ErrVanishedFile = &RemoteError{Kind: ErrVanished}

var (
	ErrStorageCorruptErr = errors.New("index store: structural damage detected")
	ErrWorkspaceLocked   = errors.New("workspace locked by another process")
)
