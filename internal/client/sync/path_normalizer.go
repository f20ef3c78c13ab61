package sync

import (
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CaseSensitive controls whether Canonical treats paths as case-insensitive.
// Default is case-insensitive, matching macOS/Windows hosts; a case-sensitive
// Linux host should construct a PathNormalizer with CaseSensitive: true.
type PathNormalizer struct {
	CaseSensitive bool
}

func NewPathNormalizer(caseSensitive bool) *PathNormalizer {
	return &PathNormalizer{CaseSensitive: caseSensitive}
}

// Canonical normalizes separators to "/", strips leading/trailing slashes,
// applies NFC Unicode normalization, and case-folds on case-insensitive
// hosts so it can be used directly as an Index Store key.
func (n *PathNormalizer) Canonical(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.Trim(path, "/")
	path = norm.NFC.String(path)
	if !n.CaseSensitive {
		path = strings.ToLower(path)
	}
	return path
}

// RemoteKey lower-cases a path for remote lookup: the remote store is
// case-preserving but case-insensitive regardless of the local host's
// case sensitivity.
func (n *PathNormalizer) RemoteKey(path string) string {
	return strings.ToLower(n.Canonical(path))
}

// EqualIgnoringCase reports whether a and b are the same path once both are
// NFC-normalized and case-folded, independent of host case sensitivity.
func (n *PathNormalizer) EqualIgnoringCase(a, b string) bool {
	fold := func(p string) string {
		p = filepath.ToSlash(filepath.Clean(p))
		p = strings.Trim(p, "/")
		return strings.ToLower(norm.NFC.String(p))
	}
	return fold(a) == fold(b)
}

// DiffersOnlyInCase reports whether a and b name the same path under
// case-folding but are not byte-identical, the signature of a case
// conflict on a case-sensitive host.
func (n *PathNormalizer) DiffersOnlyInCase(a, b string) bool {
	if a == b {
		return false
	}
	return n.EqualIgnoringCase(a, b)
}

// Dir returns the parent directory of path with "/" separators.
func (n *PathNormalizer) Dir(path string) string {
	return filepath.ToSlash(filepath.Dir(path))
}
