// Package queue implements the filesystem-backed work queue: a
// directory of per-job pending entries where atomic rename is both the
// claim operation and its serialization point (§4.2).
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/opeva/pkg/clock"
	"github.com/cuemby/opeva/pkg/fsutil"
	"github.com/cuemby/opeva/pkg/types"
)

const claimSuffix = ".claim."

// Queue is a directory of "<job_id>.json" pending entries plus
// transient "<job_id>.json.claim.<worker_id>" claim files.
type Queue struct {
	dir      string
	claimTTL time.Duration
	clock    clock.Clock
}

// New returns a Queue rooted at dir, creating it if necessary.
func New(dir string, claimTTL time.Duration, clk clock.Clock) (*Queue, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Queue{dir: dir, claimTTL: claimTTL, clock: clk}, nil
}

func (q *Queue) entryPath(jobID string) string {
	return filepath.Join(q.dir, jobID+".json")
}

// Enqueue writes entry to the queue, overwriting any previous entry
// for the same job_id (idempotent). Write-temp + rename keeps the
// write atomic so a concurrent claim never observes a partial file.
func (q *Queue) Enqueue(entry types.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry %s: %w", entry.JobID, err)
	}
	if err := fsutil.WriteAtomic(q.entryPath(entry.JobID), data, 0o644); err != nil {
		return fmt.Errorf("enqueue %s: %w", entry.JobID, err)
	}
	return nil
}

// Remove deletes the pending entry for job_id and any lingering claim
// files for it. Idempotent: removing an absent entry is not an error.
func (q *Queue) Remove(jobID string) error {
	if err := removeIfExists(q.entryPath(jobID)); err != nil {
		return fmt.Errorf("remove queue entry %s: %w", jobID, err)
	}
	claims, err := q.claimFilesFor(jobID)
	if err != nil {
		return err
	}
	for _, c := range claims {
		if err := removeIfExists(c); err != nil {
			return fmt.Errorf("remove claim file %s: %w", c, err)
		}
	}
	return nil
}

// Claim pops the next matching entry for worker, per §4.2:
//  1. sweep stale claims back into the pool,
//  2. list entries FIFO by mtime,
//  3. attempt atomic rename to a claim file for each in order,
//  4. release (rename back) any claim that fails the affinity check.
//
// Returns (entry, true, nil) on a successful claim, or (zero, false,
// nil) when nothing is claimable right now.
func (q *Queue) Claim(worker string) (types.QueueEntry, bool, error) {
	if err := q.sweepStaleClaims(); err != nil {
		return types.QueueEntry{}, false, err
	}

	names, err := q.listEntriesByMtime()
	if err != nil {
		return types.QueueEntry{}, false, err
	}

	for _, name := range names {
		entryPath := filepath.Join(q.dir, name)
		claimPath := entryPath + claimSuffix + worker

		if err := os.Rename(entryPath, claimPath); err != nil {
			if os.IsNotExist(err) {
				continue // another worker already claimed it
			}
			return types.QueueEntry{}, false, fmt.Errorf("claim rename %s: %w", name, err)
		}

		data, err := os.ReadFile(claimPath)
		if err != nil {
			// Entry vanished between rename and read; nothing to recover.
			continue
		}
		var entry types.QueueEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			_ = removeIfExists(claimPath)
			return types.QueueEntry{}, false, fmt.Errorf("decode claimed entry %s: %w", name, err)
		}

		if entry.RequireHost && entry.PreferredHost != worker {
			// Affinity mismatch: release back to the pool under its
			// original name and keep scanning.
			if err := os.Rename(claimPath, entryPath); err != nil && !os.IsExist(err) {
				return types.QueueEntry{}, false, fmt.Errorf("release %s after affinity miss: %w", name, err)
			}
			continue
		}

		if err := removeIfExists(claimPath); err != nil {
			return types.QueueEntry{}, false, fmt.Errorf("finalize claim %s: %w", name, err)
		}
		return entry, true, nil
	}

	return types.QueueEntry{}, false, nil
}

// sweepStaleClaims renames claim files older than claimTTL back to
// their original entry name (P7).
func (q *Queue) sweepStaleClaims() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("list queue dir: %w", err)
	}
	now := q.clock.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx := strings.Index(name, claimSuffix)
		if idx < 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < q.claimTTL {
			continue
		}
		original := filepath.Join(q.dir, name[:idx])
		claimPath := filepath.Join(q.dir, name)
		if err := os.Rename(claimPath, original); err != nil && !os.IsExist(err) && !os.IsNotExist(err) {
			return fmt.Errorf("release stale claim %s: %w", name, err)
		}
	}
	return nil
}

func (q *Queue) claimFilesFor(jobID string) ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}
	prefix := jobID + ".json" + claimSuffix
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, filepath.Join(q.dir, e.Name()))
		}
	}
	return out, nil
}

// listEntriesByMtime returns pending (non-claim) entry filenames in
// FIFO order by mtime, ties broken by file name (os.ReadDir returns
// names sorted and the sort is stable).
func (q *Queue) listEntriesByMtime() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}

	type named struct {
		name  string
		mtime time.Time
	}
	var pending []named
	for _, e := range entries {
		if e.IsDir() || strings.Contains(e.Name(), claimSuffix) {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		pending = append(pending, named{e.Name(), info.ModTime()})
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].mtime.Before(pending[j].mtime)
	})
	names := make([]string, len(pending))
	for i, n := range pending {
		names[i] = n.name
	}
	return names, nil
}

// Count returns the number of pending (non-claim) entries.
func (q *Queue) Count() (int, error) {
	names, err := q.listEntriesByMtime()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// List returns every pending entry, for GET /queue and cleanup_queue.
func (q *Queue) List() ([]types.QueueEntry, error) {
	names, err := q.listEntriesByMtime()
	if err != nil {
		return nil, err
	}
	out := make([]types.QueueEntry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			continue // raced with a claim; not this scan's problem
		}
		var entry types.QueueEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
