package sync

import (
	"os"
	"path/filepath"

	"github.com/dropsync/dropsync/internal/queue"
)

// Priority buckets. Lower values dequeue first (queue.PriorityQueue orders
// ascending by priority).
const (
	priorityOwnPath = 0
	prioritySmall   = 1
	priorityDefault = 2
	smallFileCutoff = 256 * 1024
)

// priorityForLocal scores a local change for within-batch scheduling: the
// user's own recently-touched path jumps the queue, then small files, then
// everything else.
func priorityForLocal(rootDir string, c LocalChange, ownPaths func(string) bool) int {
	if ownPaths != nil && ownPaths(c.Path) {
		return priorityOwnPath
	}
	if c.Type == TypeFile {
		full := filepath.Join(rootDir, filepath.FromSlash(c.Path))
		if info, err := os.Stat(full); err == nil && info.Size() <= smallFileCutoff {
			return prioritySmall
		}
	}
	return priorityDefault
}

func priorityForRemote(c RemoteChange) int {
	if c.Kind == RemoteFileMeta {
		return prioritySmall
	}
	return priorityDefault
}

func localEffectiveDepth(c LocalChange) int {
	d := depth(c.Path)
	if c.Kind == LocalDeleted {
		return -d
	}
	return d
}

func remoteEffectiveDepth(c RemoteChange) int {
	d := depth(c.Path)
	if c.Kind == RemoteDeletedMeta {
		return -d
	}
	return d
}

// ScheduleLocal re-orders a Change Normalizer output by priority strictly
// within each run of changes that share a hierarchical-sort depth level and
// tie rank (Deleted < Folder < File), so parent-before-child,
// child-before-parent-on-delete and the within-level tie order are preserved
// while small or own-path files within a run dispatch first.
func ScheduleLocal(rootDir string, batch []LocalChange, ownPaths func(string) bool) []LocalChange {
	out := make([]LocalChange, 0, len(batch))
	for _, run := range groupByLocalDepth(batch) {
		pq := queue.NewPriorityQueue[LocalChange]()
		for _, c := range run {
			pq.Enqueue(c, priorityForLocal(rootDir, c, ownPaths))
		}
		out = append(out, pq.DequeueAll()...)
	}
	return out
}

// ScheduleRemote is ScheduleLocal's remote-direction counterpart.
func ScheduleRemote(batch []RemoteChange) []RemoteChange {
	out := make([]RemoteChange, 0, len(batch))
	for _, run := range groupByRemoteDepth(batch) {
		pq := queue.NewPriorityQueue[RemoteChange]()
		for _, c := range run {
			pq.Enqueue(c, priorityForRemote(c))
		}
		out = append(out, pq.DequeueAll()...)
	}
	return out
}

func groupByLocalDepth(batch []LocalChange) [][]LocalChange {
	var runs [][]LocalChange
	var cur []LocalChange
	var curDepth, curRank int
	for i, c := range batch {
		d, rank := localEffectiveDepth(c), localTieRank(c)
		if i == 0 || d != curDepth || rank != curRank {
			if len(cur) > 0 {
				runs = append(runs, cur)
			}
			cur = nil
			curDepth, curRank = d, rank
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

func groupByRemoteDepth(batch []RemoteChange) [][]RemoteChange {
	var runs [][]RemoteChange
	var cur []RemoteChange
	var curDepth, curRank int
	for i, c := range batch {
		d, rank := remoteEffectiveDepth(c), remoteTieRank(c)
		if i == 0 || d != curDepth || rank != curRank {
			if len(cur) > 0 {
				runs = append(runs, cur)
			}
			cur = nil
			curDepth, curRank = d, rank
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}
