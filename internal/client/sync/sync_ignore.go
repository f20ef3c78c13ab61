package sync

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// defaultIgnoreLines are excluded on every workspace regardless of mignore
// contents: the engine's own metadata directory, its atomic-write staging
// directory, conflict/rejection markers and common editor/OS noise that
// should never round-trip through sync.
var defaultIgnoreLines = []string{
	"mignore",
	"**/*.conflict.*",
	"**/*.rejected.*",
	"*.dropsync.tmp.*",
	".dropsynckeep",
	"*.rejected",
	".dropsync",
	".dropsync-tmp",
	"/tmp/",
	".ipynb_checkpoints/",
	"__pycache__/",
	"*.py[cod]",
	".git",
	"*.tmp",
	"*.log",
	".DS_Store",
	"desktop.ini",
	"Thumbs.db",
}

// IgnoreList is the mignore pattern matcher consumed by the Change
// Normalizer and the FS Event Handler as an Excluder.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load compiles the default rules plus the workspace's mignore file, if
// present. Must be called before ShouldIgnore; a zero-value IgnoreList
// ignores nothing.
func (l *IgnoreList) Load() {
	lines := defaultIgnoreLines

	ignorePath := filepath.Join(l.baseDir, "mignore")
	if _, err := os.Stat(ignorePath); err == nil {
		custom, err := readIgnoreFile(ignorePath)
		if err != nil {
			slog.Warn("failed to read mignore file", "path", ignorePath, "error", err)
		} else if len(custom) > 0 {
			lines = append(lines, custom...)
			slog.Info("loaded mignore file", "path", ignorePath, "rules", len(custom))
		}
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether path (absolute or canonical-relative) matches
// an ignore rule. Satisfies the Excluder signature.
func (l *IgnoreList) ShouldIgnore(path string) bool {
	if l.ignore == nil {
		return false
	}
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return false
		}
		rel = r
	}
	return l.ignore.MatchesPath(filepath.ToSlash(rel))
}

// NewSelectiveSyncExcluder builds an Excluder over a flat set of
// user-configured remote path prefixes. The preference storage itself (where
// these prefixes come from) lives outside the sync engine; this only
// implements the membership test the Conflict Resolver and Change
// Normalizer consume.
func NewSelectiveSyncExcluder(prefixes []string) Excluder {
	roots := make([]string, len(prefixes))
	copy(roots, prefixes)
	return func(path string) bool {
		for _, root := range roots {
			if path == root || strings.HasPrefix(path, root+"/") {
				return true
			}
		}
		return false
	}
}

func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.Contains(line, "\x00") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mignore file: %w", err)
	}
	return lines, nil
}
