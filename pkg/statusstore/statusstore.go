// Package statusstore is the per-job Status Store: always the first
// thing written on a status change, and the source of truth the
// Registry is kept eventually consistent with (§5: "Status Store ->
// Registry", never the reverse).
package statusstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cuemby/opeva/pkg/apierr"
	"github.com/cuemby/opeva/pkg/fsutil"
	"github.com/cuemby/opeva/pkg/types"
)

// Store persists one StatusRecord file per job under jobsDir/<job_id>/status.json.
type Store struct {
	jobsDir string
}

// New returns a Store rooted at jobsDir.
func New(jobsDir string) *Store {
	return &Store{jobsDir: jobsDir}
}

func (s *Store) path(jobID string) string {
	return filepath.Join(s.jobsDir, jobID, "status.json")
}

// Write persists rec atomically, creating the job's directory if
// needed.
func (s *Store) Write(rec types.StatusRecord) error {
	dir := filepath.Join(s.jobsDir, rec.JobID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return apierr.Internal("create job directory", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return apierr.Internal("marshal status record", err)
	}
	if err := fsutil.WriteAtomic(s.path(rec.JobID), data, 0o644); err != nil {
		return apierr.Internal("write status record", err)
	}
	return nil
}

// Read returns the current StatusRecord for jobID.
func (s *Store) Read(jobID string) (types.StatusRecord, error) {
	data, err := os.ReadFile(s.path(jobID))
	if os.IsNotExist(err) {
		return types.StatusRecord{}, apierr.NotFound("status not found: %s", jobID)
	}
	if err != nil {
		return types.StatusRecord{}, apierr.Internal("read status record", err)
	}
	var rec types.StatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.StatusRecord{}, apierr.Internal("decode status record", err)
	}
	return rec, nil
}
