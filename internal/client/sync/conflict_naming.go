package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	suffixConflictingCopy      = "conflicting copy"
	suffixSelectiveSyncConflict = "selective sync conflict"
	suffixCaseConflict         = "case conflict"
	rejectedMarker             = ".rejected"
)

// ConflictCopyName builds "<basename> (conflicting copy)<ext>", disambiguated
// as "(conflicting copy 2)", "(conflicting copy 3)", ... if the name already
// exists at dir. The exact counter format is not contractually specified by
// the engine beyond "monotonically increasing"; this picks the smallest free
// integer so names stay stable under repeated conflicts on the same path.
func ConflictCopyName(path string) string {
	return disambiguatedName(path, suffixConflictingCopy)
}

// SelectiveSyncConflictName builds "<basename> (selective sync conflict)<ext>".
func SelectiveSyncConflictName(path string) string {
	return disambiguatedName(path, suffixSelectiveSyncConflict)
}

// CaseConflictName builds "<basename> (case conflict)<ext>".
func CaseConflictName(path string) string {
	return disambiguatedName(path, suffixCaseConflict)
}

func disambiguatedName(path, suffix string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	candidate := fmt.Sprintf("%s (%s)%s", base, suffix, ext)
	if !fileOrAnyExists(candidate) {
		return candidate
	}

	for n := 2; ; n++ {
		candidate = fmt.Sprintf("%s (%s %d)%s", base, suffix, n, ext)
		if !fileOrAnyExists(candidate) {
			return candidate
		}
	}
}

func fileOrAnyExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// MarkRejected renames localPath to localPath+".rejected" so a permanently
// failed upload (InsufficientQuota, PermissionDenied) is not retried every
// batch until the user intervenes.
func MarkRejected(localPath string) (string, error) {
	marked := localPath + rejectedMarker
	if fileOrAnyExists(marked) {
		marked = fmt.Sprintf("%s.%s", marked, strconv.FormatInt(int64(len(marked)), 10))
	}
	if err := os.Rename(localPath, marked); err != nil {
		return "", &RemoteError{Kind: ErrTempIO, Err: err}
	}
	return marked, nil
}

// RejectedFileExists reports whether path has already been marked rejected.
func RejectedFileExists(path string) bool {
	return fileOrAnyExists(path + rejectedMarker)
}
